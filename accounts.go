package whitenoise

import (
	"context"
	"fmt"

	"github.com/whitenoise-core/whitenoise/internal/identity"
	"github.com/whitenoise-core/whitenoise/internal/store"
)

// CreateIdentity implements spec §6's create_identity: mints a fresh
// keypair via the SecretsStore, persists the account, and seeds its
// published state, then registers it for subscription and routing.
func (c *Core) CreateIdentity(ctx context.Context) (store.Account, error) {
	account, err := c.identity.CreateIdentity(ctx)
	if err != nil {
		return store.Account{}, err
	}
	c.registerAccount(account.Pubkey)
	if err := c.subs.EnsureAccount(ctx, account.Pubkey); err != nil {
		c.log.Warn().Err(err).Str("pubkey", account.Pubkey).Msg("create_identity: initial subscription failed")
	}
	return account, nil
}

// Login implements spec §6's login(secret): imports the secret key into the
// SecretsStore (ImportIdentity), then resumes the account locally and
// subscribes it.
func (c *Core) Login(ctx context.Context, secretKeyHex string) (store.Account, error) {
	pubkey, err := c.secrets.ImportIdentity(ctx, secretKeyHex)
	if err != nil {
		return store.Account{}, fmt.Errorf("whitenoise: login: %w", err)
	}
	account, err := c.identity.Login(ctx, pubkey)
	if err != nil {
		return store.Account{}, err
	}
	c.registerAccount(account.Pubkey)
	if err := c.subs.EnsureAccount(ctx, account.Pubkey); err != nil {
		c.log.Warn().Err(err).Str("pubkey", account.Pubkey).Msg("login: initial subscription failed")
	}
	return account, nil
}

// Logout implements spec §6's logout: tears down the account's
// subscriptions and removes its local account row. The MLS store and any
// stored secret persist (spec §3 Lifecycle) so a later login resumes
// cleanly; a host that wants the secret gone too should call
// SecretsStore.RemoveIdentity explicitly.
func (c *Core) Logout(ctx context.Context, accountPubkey string) error {
	c.subs.RemoveAccount(accountPubkey)
	if err := c.identity.Logout(ctx, accountPubkey); err != nil {
		return err
	}
	c.unregisterAccount(accountPubkey)
	return nil
}

// FollowUser implements spec §6's follow_user.
func (c *Core) FollowUser(ctx context.Context, accountPubkey, targetPubkey string) error {
	return c.identity.FollowUser(ctx, accountPubkey, targetPubkey)
}

// UnfollowUser implements spec §6's unfollow_user.
func (c *Core) UnfollowUser(ctx context.Context, accountPubkey, targetPubkey string) error {
	return c.identity.UnfollowUser(ctx, accountPubkey, targetPubkey)
}

// ResolveNIP05 resolves a "name@domain" identifier to a hex pubkey (spec §6
// resolve_nip05). It needs no account context, so it is a thin pass-through
// to the package-level resolver.
func (c *Core) ResolveNIP05(ctx context.Context, identifier string) (string, error) {
	return identity.ResolveNIP05(ctx, identifier)
}
