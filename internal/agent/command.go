package agent

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"asyncdb/internal/security"
)

// JobCommand is a query pushed to the agent over the control plane.
type JobCommand struct {
	ID    string         `json:"id"`
	Query string         `json:"query"`
	Args  []any          `json:"args,omitempty"`
	Named map[string]any `json:"named,omitempty"`
	// Timestamp and Signature authenticate the command, see Sign.
	Timestamp string `json:"ts,omitempty"`
	Signature string `json:"sig,omitempty"`
}

// Sign stamps the command with the current time and its HMAC.
func (c *JobCommand) Sign(secret string, now time.Time) error {
	parts, err := c.parts()
	if err != nil {
		return err
	}
	ts := now.Unix()
	c.Timestamp = strconv.FormatInt(ts, 10)
	c.Signature = security.SignHMAC(secret, ts, parts...)
	return nil
}

// Verify checks the signature set by Sign.
func (c *JobCommand) Verify(secret string) error {
	parts, err := c.parts()
	if err != nil {
		return err
	}
	return security.VerifyHMAC(secret, c.Timestamp, c.Signature, parts...)
}

func (c *JobCommand) parts() ([]string, error) {
	args, err := json.Marshal(c.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode args: %w", err)
	}
	named, err := json.Marshal(c.Named)
	if err != nil {
		return nil, fmt.Errorf("failed to encode named args: %w", err)
	}
	return []string{c.ID, c.Query, string(args), string(named)}, nil
}

// bindArgs returns the positional arguments followed by the named ones.
func (c *JobCommand) bindArgs() []any {
	args := make([]any, 0, len(c.Args)+len(c.Named))
	args = append(args, c.Args...)
	for name, v := range c.Named {
		args = append(args, sql.Named(name, v))
	}
	return args
}
