package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/aniscrobble/internal/config"
	"github.com/roach88/aniscrobble/internal/model"
)

// Scenario is a scripted sequence of user and remote actions with
// assertions on the resulting state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides sync policy for this scenario.
	Config ConfigOverrides `yaml:"config,omitempty"`

	// Tokens, when set, makes the remote reject every access token not in
	// the list (tokens issued by grants are added automatically).
	Tokens []string `yaml:"tokens,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// ConfigOverrides are the sync settings a scenario may change. Zero values
// keep the defaults.
type ConfigOverrides struct {
	DedupeWindow config.Duration `yaml:"dedupe_window,omitempty"`
	MaxAttempts  int             `yaml:"max_attempts,omitempty"`
	BackoffBase  config.Duration `yaml:"backoff_base,omitempty"`
	BackoffCap   config.Duration `yaml:"backoff_cap,omitempty"`
	Retention    config.Duration `yaml:"retention,omitempty"`
}

// Step is one action. Exactly one field is set.
type Step struct {
	Login    *LoginStep      `yaml:"login,omitempty"`
	Scrobble *ScrobbleStep   `yaml:"scrobble,omitempty"`
	Respond  []Response      `yaml:"respond,omitempty"`
	Sync     bool            `yaml:"sync,omitempty"`
	Advance  config.Duration `yaml:"advance,omitempty"`
	Revoke   string          `yaml:"revoke,omitempty"`
	Grant    *GrantStep      `yaml:"grant,omitempty"`
	Prune    bool            `yaml:"prune,omitempty"`
}

// op returns the operation the step performs, or "" when the step sets no
// field or more than one.
func (s Step) op() string {
	var ops []string
	if s.Login != nil {
		ops = append(ops, OpLogin)
	}
	if s.Scrobble != nil {
		ops = append(ops, OpScrobble)
	}
	if len(s.Respond) > 0 {
		ops = append(ops, OpRespond)
	}
	if s.Sync {
		ops = append(ops, OpSync)
	}
	if s.Advance != 0 {
		ops = append(ops, OpAdvance)
	}
	if s.Revoke != "" {
		ops = append(ops, OpRevoke)
	}
	if s.Grant != nil {
		ops = append(ops, OpGrant)
	}
	if s.Prune {
		ops = append(ops, OpPrune)
	}
	if len(ops) != 1 {
		return ""
	}
	return ops[0]
}

// LoginStep stores a credential.
type LoginStep struct {
	Token        string          `yaml:"token"`
	RefreshToken string          `yaml:"refresh_token,omitempty"`
	ExpiresIn    config.Duration `yaml:"expires_in,omitempty"`
}

// ScrobbleStep records a watch event observed now.
type ScrobbleStep struct {
	Media    string `yaml:"media"`
	Title    string `yaml:"title,omitempty"`
	Episodes int64  `yaml:"episodes,omitempty"`
	Progress int64  `yaml:"progress"`
}

// Response is a scripted scrobble answer.
type Response struct {
	Status     int    `yaml:"status"`
	Body       string `yaml:"body,omitempty"`
	RetryAfter string `yaml:"retry_after,omitempty"`
}

// GrantStep makes the token endpoint answer a refresh token.
type GrantStep struct {
	RefreshToken    string `yaml:"refresh_token"`
	AccessToken     string `yaml:"access_token"`
	NewRefreshToken string `yaml:"new_refresh_token,omitempty"`
	ExpiresIn       int    `yaml:"expires_in,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "event_status": event is in Status (and has Attempts / Receipt when set)
	// - "submissions": the remote received Count requests for Event
	// - "accepted": the remote holds Count distinct scrobbles
	// - "counts": queue counts per status equal Expect (unlisted statuses are 0)
	Type string `yaml:"type"`

	Event    string         `yaml:"event,omitempty"`
	Status   string         `yaml:"status,omitempty"`
	Attempts *int           `yaml:"attempts,omitempty"`
	Receipt  string         `yaml:"receipt,omitempty"`
	Count    int            `yaml:"count,omitempty"`
	Expect   map[string]int `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertEventStatus = "event_status"
	AssertSubmissions = "submissions"
	AssertAccepted    = "accepted"
	AssertCounts      = "counts"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		switch step.op() {
		case "":
			return fmt.Errorf("steps[%d]: exactly one action is required", i)
		case OpLogin:
			if step.Login.Token == "" {
				return fmt.Errorf("steps[%d].login: token is required", i)
			}
		case OpScrobble:
			if step.Scrobble.Media == "" && step.Scrobble.Title == "" {
				return fmt.Errorf("steps[%d].scrobble: media or title is required", i)
			}
		case OpRespond:
			for j, r := range step.Respond {
				if r.Status < 100 || r.Status > 599 {
					return fmt.Errorf("steps[%d].respond[%d]: invalid status %d", i, j, r.Status)
				}
			}
		case OpAdvance:
			if step.Advance < 0 {
				return fmt.Errorf("steps[%d]: advance must be positive", i)
			}
		case OpGrant:
			if step.Grant.RefreshToken == "" || step.Grant.AccessToken == "" {
				return fmt.Errorf("steps[%d].grant: refresh_token and access_token are required", i)
			}
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertEventStatus:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_status", index)
		}
		if _, err := model.ParseKind(a.Status); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertSubmissions:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for submissions", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertAccepted:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertCounts:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for counts", index)
		}
		for k := range a.Expect {
			if !slices.Contains(model.Kinds, model.Kind(k)) {
				return fmt.Errorf("assertions[%d]: unknown status %q", index, k)
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
