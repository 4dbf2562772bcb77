package auth

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"evelogi/internal/engine"
	"evelogi/internal/esi"
	"evelogi/internal/logger"
)

// RefreshBuffer is how close to expiry an access token is refreshed.
const RefreshBuffer = 60 * time.Second

// ownOrderWorkers bounds concurrent character order lookups.
const ownOrderWorkers = 4

// StructureLister reads the user's structures.
type StructureLister interface {
	ListStructures(ctx context.Context, userID int64) ([]engine.Structure, error)
}

// OrderLister reads a character's open market orders.
type OrderLister interface {
	GetCharacterOrders(ctx context.Context, characterID int64, accessToken string) ([]esi.CharacterOrder, error)
}

// TokenRefresher exchanges a refresh token for a fresh access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Identity builds principals and keeps character tokens fresh.
type Identity struct {
	store      *Store
	tokens     TokenRefresher
	structures StructureLister
	orders     OrderLister

	// Now is the clock used for token expiry; tests replace it.
	Now func() time.Time

	group singleflight.Group
}

// NewIdentity wires the identity adapter.
func NewIdentity(store *Store, tokens TokenRefresher, structures StructureLister, orders OrderLister) *Identity {
	return &Identity{
		store:      store,
		tokens:     tokens,
		structures: structures,
		orders:     orders,
		Now:        time.Now,
	}
}

// Store returns the underlying account store.
func (id *Identity) Store() *Store { return id.store }

// Principal loads the user's role, characters and structures.
// An unknown user yields ErrUnauthenticated.
func (id *Identity) Principal(ctx context.Context, userID int64) (*Principal, error) {
	user, err := id.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	perms, err := id.store.Permissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	chars, err := id.store.Characters(ctx, userID)
	if err != nil {
		return nil, err
	}
	structures, err := id.structures.ListStructures(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := &Principal{
		User:       *user,
		perms:      perms,
		characters: make(map[int64]Character, len(chars)),
		structures: make(map[int64]engine.Structure, len(structures)),
		identity:   id,
	}
	for _, c := range chars {
		p.characters[c.ID] = c
	}
	for _, s := range structures {
		p.structures[s.ID] = s
	}
	return p, nil
}

// Account assembles the account view for the user.
func (id *Identity) Account(ctx context.Context, userID int64) (*Account, error) {
	p, err := id.Principal(ctx, userID)
	if err != nil {
		return nil, err
	}
	acc := &Account{
		User:        p.User,
		Permissions: sortedKeys(p.perms),
		Characters:  p.Characters(),
		Structures:  p.Structures(),
	}
	return acc, nil
}

// AccessToken returns a valid access token for the character, refreshing it
// when it expires within RefreshBuffer. The rotated refresh token is stored.
// Concurrent refreshes of one character are coalesced.
func (id *Identity) AccessToken(ctx context.Context, c Character) (string, error) {
	if id.fresh(c) {
		return c.AccessToken, nil
	}
	v, err, _ := id.group.Do(strconv.FormatInt(c.ID, 10), func() (interface{}, error) {
		// Another caller may have refreshed since c was loaded.
		cur, err := id.store.Character(ctx, c.UserID, c.ID)
		if err != nil {
			return "", err
		}
		if id.fresh(*cur) {
			return cur.AccessToken, nil
		}
		tok, err := id.tokens.Refresh(ctx, cur.RefreshToken)
		if err != nil {
			logger.Warn("AUTH", fmt.Sprintf("Token refresh for %s failed: %v", cur.Name, err))
			return "", fmt.Errorf("%w: token refresh for %s: %v", ErrUnauthenticated, cur.Name, err)
		}
		if err := id.store.SaveCredential(ctx, cur.ID, CredentialFromToken(tok)); err != nil {
			return "", fmt.Errorf("save refreshed token for %s: %w", cur.Name, err)
		}
		logger.Debug("AUTH", fmt.Sprintf("Refreshed token for %s", cur.Name))
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (id *Identity) fresh(c Character) bool {
	return c.AccessToken != "" && c.ExpiresAt.After(id.Now().Add(RefreshBuffer))
}

// Principal is the authenticated user as the trade pipeline sees it.
type Principal struct {
	User User

	perms      map[string]bool
	characters map[int64]Character
	structures map[int64]engine.Structure
	identity   *Identity
}

var _ engine.Principal = (*Principal)(nil)

func (p *Principal) Can(permission string) bool { return p.perms[permission] }

func (p *Principal) Structure(id int64) (engine.Structure, bool) {
	s, ok := p.structures[id]
	return s, ok
}

// Character returns one of the user's characters by local id.
func (p *Principal) Character(id int64) (Character, bool) {
	c, ok := p.characters[id]
	return c, ok
}

// Characters lists the user's characters ordered by name.
func (p *Principal) Characters() []Character {
	out := make([]Character, 0, len(p.characters))
	for _, c := range p.characters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Structures lists the user's structures ordered by local id.
func (p *Principal) Structures() []engine.Structure {
	out := make([]engine.Structure, 0, len(p.structures))
	for _, s := range p.structures {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AccessToken returns a valid token for one of the user's characters.
func (p *Principal) AccessToken(ctx context.Context, characterID int64) (string, error) {
	c, ok := p.characters[characterID]
	if !ok {
		return "", fmt.Errorf("%w: character %d is not yours", engine.ErrForbidden, characterID)
	}
	return p.identity.AccessToken(ctx, c)
}

// SellOrderTypes returns the type ids of open sell orders across all the
// user's characters. Any character failing fails the whole lookup.
func (p *Principal) SellOrderTypes(ctx context.Context) (map[int32]bool, error) {
	var (
		mu  sync.Mutex
		out = make(map[int32]bool)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ownOrderWorkers)
	for _, c := range p.characters {
		g.Go(func() error {
			token, err := p.identity.AccessToken(gctx, c)
			if err != nil {
				return err
			}
			orders, err := p.identity.orders.GetCharacterOrders(gctx, c.CharacterID, token)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, o := range orders {
				if !o.IsBuyOrder {
					out[o.TypeID] = true
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
