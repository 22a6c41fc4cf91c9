package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/ini.v1"
)

const section = "Player"

// Profile is the local identity of this installation
type Profile struct {
	PlayerID   string
	LastGameID string

	path string
}

// Load reads the profile at path, creating a fresh player id (and a default
// game id) on first use. The profile is written back when anything was
// generated.
func Load(path string) (*Profile, error) {
	p := &Profile{path: path}

	// A missing file loads as an empty profile
	cfg, err := ini.LooseLoad(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	sec := cfg.Section(section)
	p.PlayerID = sec.Key("PlayerID").String()
	p.LastGameID = sec.Key("LastGameID").String()

	dirty := false
	if p.PlayerID == "" {
		p.PlayerID = NewPlayerID()
		dirty = true
	}
	if p.LastGameID == "" {
		p.LastGameID = NewGameID()
		dirty = true
	}

	if dirty {
		if err := p.Save(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// SwitchGame records gameID as the game to resume next time
func (p *Profile) SwitchGame(gameID string) error {
	p.LastGameID = gameID
	return p.Save()
}

// Save writes the profile to disk
func (p *Profile) Save() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}

	cfg := ini.Empty()
	sec, err := cfg.NewSection(section)
	if err != nil {
		return err
	}
	sec.Key("PlayerID").SetValue(p.PlayerID)
	sec.Key("LastGameID").SetValue(p.LastGameID)

	if err := cfg.SaveTo(p.path); err != nil {
		return fmt.Errorf("failed to write profile %s: %w", p.path, err)
	}
	return nil
}

// NewPlayerID returns an id of the form player_<unix ms>_<random>
func NewPlayerID() string {
	return newID("player")
}

// NewGameID returns an id of the form game_<unix ms>_<random>
func NewGameID() string {
	return newID("game")
}

func newID(prefix string) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), random)
}
