package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mendline/internal/domain"
	"mendline/internal/repo"
)

// CreateAPIKey mints a key for actorID with the given role. The plaintext key
// is returned once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, role, createdBy string) (domain.APIKey, string, error) {
	actorID, role = strings.TrimSpace(actorID), strings.TrimSpace(role)
	fields := map[string]string{}
	if actorID == "" {
		fields["actor_id"] = "required"
	}
	if _, ok := e.Config.RBAC.Roles[role]; !ok {
		fields["role"] = fmt.Sprintf("unknown role %q", role)
	}
	if len(fields) > 0 {
		return domain.APIKey{}, "", &domain.ValidationError{Fields: fields}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "ml_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:      uuid.NewString(),
		ActorID: actorID,
		Name:    name,
		Role:    role,
		KeyHash: repo.HashAPIKey(secret),
	}
	err := e.inTx(ctx, func(t *Tx) error {
		key.CreatedAt = t.now
		if err := e.Repo.InsertAPIKey(ctx, t.tx, key); err != nil {
			return err
		}
		_, err := t.audit(withMeta(note(domain.EventConfigChange, createdBy, "api key created for "+actorID),
			"api_key_id", key.ID, "role", role))
		return err
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// RevokeAPIKey deletes a key. Requests already authenticated with it finish.
func (e Engine) RevokeAPIKey(ctx context.Context, id, actor string) error {
	return e.inTx(ctx, func(t *Tx) error {
		if err := e.Repo.DeleteAPIKey(ctx, t.tx, id); err != nil {
			return err
		}
		_, err := t.audit(withMeta(note(domain.EventConfigChange, actor, "api key revoked"), "api_key_id", id))
		return err
	})
}
