package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wrenlabs/bazaar/internal/registry"
)

// SaveAgent upserts an agent.
func (s *Store) SaveAgent(ctx context.Context, a *registry.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agents (id, name, description, endpoint, capabilities, reputation, active, seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			endpoint = EXCLUDED.endpoint,
			capabilities = EXCLUDED.capabilities,
			reputation = EXCLUDED.reputation,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, a.Description, a.Endpoint, caps,
		a.Reputation, a.Active, a.Seq, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent retrieves a single agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*registry.Agent, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, description, endpoint, capabilities, reputation, active, seq, created_at, updated_at
		FROM agents WHERE id = $1`, id)

	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// ListAgents returns all agents in registration order.
func (s *Store) ListAgents(ctx context.Context) ([]*registry.Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, description, endpoint, capabilities, reputation, active, seq, created_at, updated_at
		FROM agents ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*registry.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*registry.Agent, error) {
	var a registry.Agent
	var caps []byte
	if err := row.Scan(
		&a.ID, &a.Name, &a.Description, &a.Endpoint, &caps,
		&a.Reputation, &a.Active, &a.Seq, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	return &a, nil
}
