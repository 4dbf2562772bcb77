package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"evelogi/internal/auth"
	"evelogi/internal/config"
	"evelogi/internal/db"
	"evelogi/internal/engine"
	"evelogi/internal/esi"
	"evelogi/internal/sde"
	"evelogi/internal/volume"
)

type fakeMarket struct {
	infoErr   error
	infoCalls int
	book      esi.OrderBook
}

func (m *fakeMarket) Requests() int64 { return 7 }

func (m *fakeMarket) FetchStructureOrders(context.Context, int64, string) (esi.OrderBook, error) {
	return m.book, nil
}

func (m *fakeMarket) GetStructureInfo(context.Context, int64, string) (*esi.StructureInfo, error) {
	return &esi.StructureInfo{Name: "Home", SolarSystemID: 30000142}, nil
}

func (m *fakeMarket) FetchStructureInfo(context.Context, int64, string) (*esi.StructureInfo, error) {
	m.infoCalls++
	if m.infoErr != nil {
		return nil, m.infoErr
	}
	return &esi.StructureInfo{Name: "Home", SolarSystemID: 30000142}, nil
}

type fakeBooks struct {
	calls int
	book  esi.OrderBook
}

func (b *fakeBooks) Get(context.Context, int32, string) (esi.OrderBook, error) {
	b.calls++
	return b.book, nil
}

type fakeVolumes struct{ vols volume.Volumes }

func (v fakeVolumes) GetVolumes(_ context.Context, ids []int32, _ int32) (volume.Volumes, volume.Report) {
	out := volume.Volumes{}
	for _, id := range ids {
		out[id] = v.vols[id]
	}
	return out, volume.Report{Requested: len(ids)}
}

type liveTokens struct{}

func (liveTokens) Refresh(context.Context, string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "fresh", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}, nil
}

type noOrders struct{}

func (noOrders) GetCharacterOrders(context.Context, int64, string) ([]esi.CharacterOrder, error) {
	return nil, nil
}

type fixture struct {
	srv     *Server
	handler http.Handler
	db      *db.DB
	store   *auth.Store
	market  *fakeMarket
	books   *fakeBooks
	cfg     *config.Config
}

const testSessionSecret = "fixture-session-secret-0123456789abcdef"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	store := auth.NewStore(d.SqlDB())
	require.NoError(t, store.SeedRoles(context.Background()))

	cfg := config.Default()
	cfg.Server.SessionSecret = testSessionSecret
	f := &fixture{
		db:     d,
		store:  store,
		cfg:    cfg,
		market: &fakeMarket{},
		books:  &fakeBooks{book: esi.OrderBook{Orders: []esi.MarketOrder{{TypeID: 34, Price: 5}}, Pages: 1}},
	}
	f.srv = NewServer(Deps{
		Config:     cfg,
		Market:     f.market,
		Books:      f.books,
		Volumes:    fakeVolumes{vols: volume.Volumes{34: 3000}},
		Structures: d,
		Identity:   auth.NewIdentity(store, liveTokens{}, d, noOrders{}),
		SSO:        auth.NewSSO(cfg.SSO),
	})
	f.handler = f.srv.Handler()
	return f
}

func (f *fixture) loadSDE() {
	data := sde.NewData()
	data.AddType(sde.ItemType{ID: 34, Name: "Tritanium", Volume: 0.01})
	data.AddSystem(sde.SolarSystem{ID: 30000142, Name: "Jita", RegionID: 10000002})
	f.srv.SetSDE(data)
}

// login creates an account with one character and returns (userID, characterRowID, cookie).
func (f *fixture) login(t *testing.T, characterID int64, name string) (int64, int64, *http.Cookie) {
	t.Helper()
	ctx := context.Background()
	userID, err := f.store.Login(ctx, 0,
		auth.CharacterClaims{CharacterID: characterID, Name: name, OwnerHash: "h-" + name},
		auth.Credential{AccessToken: "tok", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	chars, err := f.store.Characters(ctx, userID)
	require.NoError(t, err)
	token, _, err := f.srv.sessions.Sign(userID)
	require.NoError(t, err)
	return userID, chars[0].ID, &http.Cookie{Name: auth.SessionCookie, Value: token}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleStatus_ReportsSDE(t *testing.T) {
	f := newFixture(t)
	var out map[string]interface{}

	rec := f.do(t, http.MethodGet, "/api/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, false, out["sde_loaded"])

	f.loadSDE()
	rec = f.do(t, http.MethodGet, "/api/status", nil, nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, true, out["sde_loaded"])
	assert.Equal(t, float64(1), out["sde_types"])
	assert.Equal(t, float64(7), out["esi_requests"])
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodOptions, "/api/trade", nil, nil)
	assert.Equal(t, 204, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAccount_RequiresSession(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/account", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/account", nil, &http.Cookie{Name: auth.SessionCookie, Value: "forged"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, _, cookie := f.login(t, 1, "Alpha")
	rec = f.do(t, http.MethodGet, "/api/account", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	var acc auth.Account
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&acc))
	assert.Equal(t, auth.RoleUser, acc.User.Role)
	require.Len(t, acc.Characters, 1)
	assert.Equal(t, "Alpha", acc.Characters[0].Name)
}

func TestAccount_CookieSignedWithOtherKeyRejected(t *testing.T) {
	f := newFixture(t)
	userID, _, _ := f.login(t, 1, "Alpha")

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    "evelogi",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("change-me-please-32-bytes-secret"))
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/account", nil, &http.Cookie{Name: auth.SessionCookie, Value: token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStructures_AddEditDelete(t *testing.T) {
	f := newFixture(t)
	_, charID, cookie := f.login(t, 1, "Alpha")

	body := engine.Structure{StructureID: 1035466617946, Name: "Home", CharacterID: charID, OutboundFee: 800, SalesTax: 3.6, BrokersFee: 1}
	rec := f.do(t, http.MethodPost, "/api/structures", body, cookie)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created engine.Structure
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Positive(t, created.ID)
	assert.Equal(t, 1, f.market.infoCalls, "access verified against ESI")

	rec = f.do(t, http.MethodPost, "/api/structures", body, cookie)
	assert.Equal(t, http.StatusConflict, rec.Code)

	body.Name = "Renamed"
	rec = f.do(t, http.MethodPut, fmt.Sprintf("/api/structures/%d", created.ID), body, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/structures", nil, cookie)
	var list []engine.Structure
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "Renamed", list[0].Name)

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/api/structures/%d", created.ID), nil, cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/api/structures/%d", created.ID), nil, cookie)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStructures_Rejections(t *testing.T) {
	f := newFixture(t)
	_, charA, cookieA := f.login(t, 1, "Alpha")
	_, _, cookieB := f.login(t, 2, "Beta")

	rec := f.do(t, http.MethodPost, "/api/structures",
		engine.Structure{StructureID: 5, Name: "X", CharacterID: charA}, cookieB)
	assert.Equal(t, http.StatusNotFound, rec.Code, "someone else's character")

	rec = f.do(t, http.MethodPost, "/api/structures",
		engine.Structure{StructureID: 5, Name: "X", CharacterID: charA, SalesTax: 150}, cookieA)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.market.infoErr = esi.ErrNotFound
	rec = f.do(t, http.MethodPost, "/api/structures",
		engine.Structure{StructureID: 5, Name: "X", CharacterID: charA}, cookieA)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no docking access")

	rec = f.do(t, http.MethodPut, "/api/structures/999",
		engine.Structure{StructureID: 5, Name: "X", CharacterID: charA}, cookieA)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/structures/abc", nil, cookieA)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteCharacter(t *testing.T) {
	f := newFixture(t)
	_, charID, cookie := f.login(t, 1, "Alpha")
	_, _, other := f.login(t, 2, "Beta")

	rec := f.do(t, http.MethodDelete, fmt.Sprintf("/api/characters/%d", charID), nil, other)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/api/characters/%d", charID), nil, cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTrade(t *testing.T) {
	f := newFixture(t)
	userID, charID, cookie := f.login(t, 1, "Alpha")
	sid, err := f.db.AddStructure(context.Background(), userID,
		engine.Structure{StructureID: 1035466617946, Name: "Home", CharacterID: charID, OutboundFee: 0.1, SalesTax: 1, BrokersFee: 1})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/trade", map[string]interface{}{"structure_id": sid}, cookie)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "SDE not loaded")

	f.loadSDE()
	rec = f.do(t, http.MethodPost, "/api/trade", map[string]interface{}{"structure_id": sid, "volume_multiple": 9}, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.books.calls, "validation runs before any I/O")

	rec = f.do(t, http.MethodPost, "/api/trade", map[string]interface{}{"structure_id": sid}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/trade", map[string]interface{}{"structure_id": 999}, cookie)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/trade", map[string]interface{}{"structure_id": sid, "min_margin": 0.05}, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res engine.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Len(t, res.Opportunities, 1)
	assert.Equal(t, int32(34), res.Opportunities[0].TypeID)
	assert.True(t, res.Opportunities[0].Stockout)
}

func TestTrade_GuestIsForbidden(t *testing.T) {
	f := newFixture(t)
	f.loadSDE()
	userID, charID, cookie := f.login(t, 1, "Alpha")
	require.NoError(t, f.store.SetRoleByCharacterName(context.Background(), "Alpha", auth.RoleGuest))
	sid, err := f.db.AddStructure(context.Background(), userID, engine.Structure{StructureID: 1, Name: "H", CharacterID: charID})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/trade", map[string]interface{}{"structure_id": sid}, cookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthLogin_NotConfigured(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/auth/login", nil, nil)
	assert.Equal(t, 500, rec.Code)
}

func TestAuthCallback_FullFlow(t *testing.T) {
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "CHARACTER:EVE:2112625428", "name": "Trader One", "owner": "hash",
		"scp": "esi-markets.structure_markets.v1", "exp": time.Now().Add(20 * time.Minute).Unix(),
	}).SignedString([]byte("x"))
	require.NoError(t, err)

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": access, "refresh_token": "refresh", "token_type": "Bearer", "expires_in": 1199,
		})
	}))
	defer tokenSrv.Close()

	f := newFixture(t)
	f.cfg.SSO.ClientID, f.cfg.SSO.ClientSecret, f.cfg.SSO.TokenURL = "id", "secret", tokenSrv.URL
	f.srv.sso = auth.NewSSO(f.cfg.SSO)

	rec := f.do(t, http.MethodGet, "/api/auth/login", nil, nil)
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	loc := rec.Header().Get("Location")
	i := strings.Index(loc, "state=")
	require.Positive(t, i)
	state := strings.SplitN(loc[i+len("state="):], "&", 2)[0]

	rec = f.do(t, http.MethodGet, "/api/auth/callback?code=abc&state=wrong", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/auth/callback?code=abc&state="+state, nil, nil)
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code, rec.Body.String())
	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.SessionCookie {
			session = c
		}
	}
	require.NotNil(t, session)

	rec = f.do(t, http.MethodGet, "/api/account", nil, session)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Trader One")

	rec = f.do(t, http.MethodGet, "/api/auth/callback?code=abc&state="+state, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "state is one-time")

	rec = f.do(t, http.MethodPost, "/api/auth/logout", nil, session)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("x: %w", engine.ErrValidation):   400,
		auth.ErrUnauthenticated:                      401,
		engine.ErrForbidden:                          403,
		auth.ErrOwnerChanged:                         403,
		engine.ErrStructureNotFound:                  404,
		fmt.Errorf("row: %w", db.ErrNotFound):        404,
		sde.ErrNotFound:                              404,
		db.ErrDuplicateStructure:                     409,
		auth.ErrCharacterBound:                       409,
		fmt.Errorf("%w: page 1", esi.ErrUpstream):    502,
		context.DeadlineExceeded:                     504,
		errors.New("boom"):                           500,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
