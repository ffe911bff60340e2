package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChannelYAML is one channel in the seed file.
type ChannelYAML struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Type string `yaml:"type"` // TEXT or VOICE
}

// ServerYAML is one server in the seed file.
type ServerYAML struct {
	ID       string        `yaml:"id"`
	Name     string        `yaml:"name"`
	Icon     string        `yaml:"icon,omitempty"`
	Channels []ChannelYAML `yaml:"channels"`
}

// Seed is the top-level seed document.
type Seed struct {
	Servers []ServerYAML `yaml:"servers"`
}

// DefaultSeed is used when no seed file is configured and the database is empty.
func DefaultSeed() Seed {
	return Seed{Servers: []ServerYAML{
		{
			ID:   "1",
			Name: "Gemini AI Lab",
			Icon: "https://picsum.photos/id/1/200/200",
			Channels: []ChannelYAML{
				{ID: "c1", Name: "general", Type: "TEXT"},
				{ID: "c2", Name: "announcements", Type: "TEXT"},
				{ID: "v1", Name: "Voice Lounge", Type: "VOICE"},
				{ID: "v2", Name: "Video Call", Type: "VOICE"},
			},
		},
		{
			ID:   "2",
			Name: "Tech Enthusiasts",
			Icon: "https://picsum.photos/id/10/200/200",
			Channels: []ChannelYAML{
				{ID: "c3", Name: "tech-talk", Type: "TEXT"},
				{ID: "v3", Name: "Coffee Shop", Type: "VOICE"},
			},
		},
	}}
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses YAML seed data. Channel types are normalised to upper case.
func ParseSeed(data []byte) (Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed: %w", err)
	}

	serverIDs := make(map[string]struct{})
	channelIDs := make(map[string]struct{})
	for i := range seed.Servers {
		srv := &seed.Servers[i]
		srv.ID = strings.TrimSpace(srv.ID)
		srv.Name = strings.TrimSpace(srv.Name)
		if srv.ID == "" || srv.Name == "" {
			return Seed{}, fmt.Errorf("servers[%d]: id and name are required", i)
		}
		if _, dup := serverIDs[srv.ID]; dup {
			return Seed{}, fmt.Errorf("servers[%d]: duplicate server id %q", i, srv.ID)
		}
		serverIDs[srv.ID] = struct{}{}

		for j := range srv.Channels {
			ch := &srv.Channels[j]
			ch.ID = strings.TrimSpace(ch.ID)
			ch.Name = strings.TrimSpace(ch.Name)
			ch.Type = strings.ToUpper(strings.TrimSpace(ch.Type))
			if ch.ID == "" || ch.Name == "" {
				return Seed{}, fmt.Errorf("servers[%d].channels[%d]: id and name are required", i, j)
			}
			if ch.Type != "TEXT" && ch.Type != "VOICE" {
				return Seed{}, fmt.Errorf("servers[%d].channels[%d]: type must be TEXT or VOICE, got %q", i, j, ch.Type)
			}
			if _, dup := channelIDs[ch.ID]; dup {
				return Seed{}, fmt.Errorf("servers[%d].channels[%d]: duplicate channel id %q", i, j, ch.ID)
			}
			channelIDs[ch.ID] = struct{}{}
		}
	}
	return seed, nil
}
