// Package forward implements the gift worker: it consumes gift events from
// every tenant stream through a consumer group and forwards them as device
// commands over MQTT, translated by a gift-to-command mapping table.
package forward

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// maxSpeed caps the rotate speed parameter.
const maxSpeed = 100

// Mapping translates one gift into one device command.
type Mapping struct {
	Gift       string `yaml:"gift"`
	Command    string `yaml:"command"`
	Multiplier int64  `yaml:"multiplier"`
	Device     string `yaml:"device"`
}

type mappingFile struct {
	Mappings []Mapping `yaml:"mappings"`
}

// DefaultMappings is the built-in table used when no mapping file is
// configured.
func DefaultMappings() map[string]Mapping {
	return indexMappings([]Mapping{
		{Gift: "Rose", Command: "rotate", Multiplier: 1, Device: "default"},
		{Gift: "TikTok", Command: "flash_led", Multiplier: 5, Device: "default"},
		{Gift: "Lion", Command: "rotate", Multiplier: 10, Device: "default"},
		{Gift: "Universe", Command: "special_effect", Multiplier: 100, Device: "default"},
	})
}

// LoadMappings reads a YAML mapping file and indexes it by gift name.
func LoadMappings(path string) (map[string]Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	var file mappingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse mapping file: %w", err)
	}
	if len(file.Mappings) == 0 {
		return nil, fmt.Errorf("mapping file %s has no mappings", path)
	}
	for i, m := range file.Mappings {
		if m.Gift == "" || m.Command == "" {
			return nil, fmt.Errorf("mapping %d: gift and command required", i)
		}
		if m.Multiplier <= 0 {
			file.Mappings[i].Multiplier = 1
		}
		if m.Device == "" {
			file.Mappings[i].Device = "default"
		}
	}
	return indexMappings(file.Mappings), nil
}

func indexMappings(mappings []Mapping) map[string]Mapping {
	out := make(map[string]Mapping, len(mappings))
	for _, m := range mappings {
		out[m.Gift] = m
	}
	return out
}

// GiftCommand is the MQTT payload pushed to a device for one gift.
type GiftCommand struct {
	Command       string         `json:"command"`
	GiftName      string         `json:"gift_name"`
	Sender        string         `json:"sender,omitempty"`
	TotalDiamonds int64          `json:"total_diamonds"`
	Params        map[string]any `json:"params"`
}

// commandForGift builds the device command for a mapped gift. The command
// scales with the gift's total diamond value: count times per-gift diamonds.
func commandForGift(m Mapping, sender string, giftCount, diamondCount int64) GiftCommand {
	total := diamondCount * giftCount
	cmd := GiftCommand{
		Command:       m.Command,
		GiftName:      m.Gift,
		Sender:        sender,
		TotalDiamonds: total,
	}

	switch m.Command {
	case "rotate":
		cmd.Params = map[string]any{
			"rounds": total * m.Multiplier,
			"speed":  min(maxSpeed, total*10),
		}
	case "flash_led":
		cmd.Params = map[string]any{
			"duration_seconds": total * m.Multiplier,
			"color":            "#FF0000",
		}
	case "special_effect":
		cmd.Params = map[string]any{
			"effect":           1,
			"duration_seconds": 30,
		}
	default:
		cmd.Params = map[string]any{
			"intensity": total * m.Multiplier,
		}
	}
	return cmd
}
