package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"genstudio/internal/infra"
	"genstudio/internal/sqlinline"
)

// Provider names as stored in integration_tokens.provider.
const (
	ProviderPrimary   = "primary"
	ProviderSecondary = "secondary"
)

// Store reads and writes provider API keys kept in the database.
type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// Token returns the stored key for provider, or "" when none is stored.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func (s *Store) SetToken(ctx context.Context, provider, key string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider != ProviderPrimary && provider != ProviderSecondary {
		return fmt.Errorf("unknown provider %q", provider)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%s api key is required", provider)
	}
	return s.upsert(ctx, provider, key, map[string]any{"source": "cli"})
}

// FillMissing loads keys for any provider in cfg whose environment key is empty.
func (s *Store) FillMissing(ctx context.Context, cfg *infra.Config) error {
	targets := []struct {
		provider string
		dst      *string
	}{
		{ProviderPrimary, &cfg.Primary.APIKey},
		{ProviderSecondary, &cfg.Secondary.APIKey},
	}
	for _, t := range targets {
		if *t.dst != "" {
			continue
		}
		token, err := s.Token(ctx, t.provider)
		if err != nil {
			return fmt.Errorf("load %s key: %w", t.provider, err)
		}
		*t.dst = token
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, provider, token string, props map[string]any) error {
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, token, raw)
	return err
}
