// Package backendtest runs an in-process storefront backend for tests.
//
// It honours the same contract as the real backend: bearer access tokens, a
// refresh cookie, additive cart posts, and cart answers in either the "lines" or
// the "products" shape.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// RefreshCookieName is the cookie carrying the refresh credential.
const RefreshCookieName = "refreshToken"

// Shape selects the JSON layout of cart answers.
type Shape int

const (
	// ShapeLines answers {"lines":[{productId,title,unitPrice,quantity,imageRef}]}.
	ShapeLines Shape = iota
	// ShapeProducts answers {"products":[{product:{_id,title,price,images},quantity}]}.
	ShapeProducts
)

// Product is a catalogue entry.
type Product struct {
	ID    string
	Title string
	Price float64
	Image string
}

// User is an account known to the backend.
type User struct {
	ID       string
	Username string
	Email    string
	Role     string
}

// Line is one server-side cart entry.
type Line struct {
	ProductID string
	Quantity  int
}

type account struct {
	password string
	user     User
}

// Server is a fake backend. Its zero value is not usable; call New.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	accounts map[string]account // login -> account
	tokens   map[string]string  // access token -> user id
	refresh  map[string]string  // refresh cookie -> user id
	carts    map[string][]Line  // user id -> lines
	products map[string]Product
	orders   []json.RawMessage
	seq      int

	shape         Shape
	refreshDelay  time.Duration
	refreshStatus int // non-zero answers every refresh with this status
	rejectTokens  bool
	cartPostLimit int // successful POST /api/cart calls allowed; -1 is unlimited
	logoutStatus  int

	refreshCalls  atomic.Int64
	loginCalls    atomic.Int64
	logoutCalls   atomic.Int64
	cartPostCalls atomic.Int64
	requests      atomic.Int64
}

// New starts a fake backend. Call Close when done.
func New() *Server {
	s := &Server{
		accounts:      make(map[string]account),
		tokens:        make(map[string]string),
		refresh:       make(map[string]string),
		carts:         make(map[string][]Line),
		products:      make(map[string]Product),
		cartPostLimit: -1,
		logoutStatus:  http.StatusOK,
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			s.requests.Add(1)
			next.ServeHTTP(w, req)
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/users/me", s.handleMe)
			r.Get("/cart", s.handleGetCart)
			r.Post("/cart", s.handleAddToCart)
			r.Put("/cart/{productID}", s.handleUpdateCart)
			r.Delete("/cart/{productID}", s.handleRemoveFromCart)
			r.Delete("/cart", s.handleClearCart)
			r.Post("/orders", s.handleCreateOrder)
		})
	})
	return r
}

// --- configuration ---

// AddUser registers an account.
func (s *Server) AddUser(login, password string, u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Role == "" {
		u.Role = "user"
	}
	s.accounts[login] = account{password: password, user: u}
}

// AddProduct adds a catalogue entry.
func (s *Server) AddProduct(p Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// SetShape selects the cart answer layout.
func (s *Server) SetShape(shape Shape) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shape = shape
}

// SetRefreshDelay holds every refresh call for d before answering.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// SetFailRefresh makes refresh calls answer 401.
func (s *Server) SetFailRefresh(fail bool) {
	status := 0
	if fail {
		status = http.StatusUnauthorized
	}
	s.SetRefreshStatus(status)
}

// SetRefreshStatus makes refresh calls answer status. Zero restores normal refreshes.
func (s *Server) SetRefreshStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

// RejectAccessTokens makes every token-protected route answer 401, including
// for tokens issued by a later refresh.
func (s *Server) RejectAccessTokens(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectTokens = reject
}

// LimitCartPosts lets n more POST /api/cart calls succeed; later ones answer 500.
// A negative n removes the limit.
func (s *Server) LimitCartPosts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cartPostLimit = n
}

// SetLogoutStatus changes the status logout answers with.
func (s *Server) SetLogoutStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutStatus = status
}

// ExpireAccessTokens invalidates every issued access token. Refresh cookies stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]string)
}

// IssueTokens creates an access token and a refresh cookie value for userID.
func (s *Server) IssueTokens(userID string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueAccessLocked(userID), s.issueRefreshLocked(userID)
}

// SetCart replaces the server cart of userID.
func (s *Server) SetCart(userID string, lines []Line) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[userID] = append([]Line(nil), lines...)
}

// Cart returns a copy of the server cart of userID.
func (s *Server) Cart(userID string) []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Line(nil), s.carts[userID]...)
}

// Orders returns the raw bodies of placed orders.
func (s *Server) Orders() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.orders...)
}

// RefreshCalls counts POST /api/auth/refresh calls.
func (s *Server) RefreshCalls() int64 { return s.refreshCalls.Load() }

// LoginCalls counts POST /api/auth/login calls.
func (s *Server) LoginCalls() int64 { return s.loginCalls.Load() }

// LogoutCalls counts POST /api/auth/logout calls.
func (s *Server) LogoutCalls() int64 { return s.logoutCalls.Load() }

// CartPostCalls counts POST /api/cart calls, failed ones included.
func (s *Server) CartPostCalls() int64 { return s.cartPostCalls.Load() }

// Requests counts every request received.
func (s *Server) Requests() int64 { return s.requests.Load() }

// --- handlers ---

type ctxKey struct{}

func withUser(r *http.Request, userID string) context.Context {
	return context.WithValue(r.Context(), ctxKey{}, userID)
}

func userIDFrom(r *http.Request) string {
	v, _ := r.Context().Value(ctxKey{}).(string)
	return v
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		userID := s.tokens[token]
		if s.rejectTokens {
			userID = ""
		}
		s.mu.Unlock()
		if !ok || userID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r, userID)))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)
	var body struct {
		Login    string `json:"login"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}

	s.mu.Lock()
	acc, ok := s.accounts[body.Login]
	if !ok || acc.password != body.Password {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid login or password"})
		return
	}
	access := s.issueAccessLocked(acc.user.ID)
	refresh := s.issueRefreshLocked(acc.user.ID)
	s.mu.Unlock()

	setRefreshCookie(w, refresh)
	writeJSON(w, http.StatusOK, map[string]any{"accessToken": access, "user": userJSON(acc.user)})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" || body.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "email and password are required"})
		return
	}

	s.mu.Lock()
	if _, exists := s.accounts[body.Email]; exists {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"message": "user already exists"})
		return
	}
	s.seq++
	u := User{ID: fmt.Sprintf("u%d", s.seq), Username: body.Username, Email: body.Email, Role: "user"}
	s.accounts[body.Email] = account{password: body.Password, user: u}
	access := s.issueAccessLocked(u.ID)
	refresh := s.issueRefreshLocked(u.ID)
	s.mu.Unlock()

	setRefreshCookie(w, refresh)
	writeJSON(w, http.StatusCreated, map[string]any{"accessToken": access, "user": userJSON(u)})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	s.mu.Lock()
	delay, status := s.refreshDelay, s.refreshStatus
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if r.Header.Get("Authorization") != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "refresh must not carry an access token"})
		return
	}
	if status != 0 {
		writeJSON(w, status, map[string]string{"message": http.StatusText(status)})
		return
	}

	c, err := r.Cookie(RefreshCookieName)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "no refresh token"})
		return
	}
	s.mu.Lock()
	userID := s.refresh[c.Value]
	if userID == "" {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid refresh token"})
		return
	}
	access := s.issueAccessLocked(userID)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"accessToken": access})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logoutCalls.Add(1)
	s.mu.Lock()
	status := s.logoutStatus
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		delete(s.tokens, token)
	}
	if c, err := r.Cookie(RefreshCookieName); err == nil {
		delete(s.refresh, c.Value)
	}
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: RefreshCookieName, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, status, map[string]string{"message": "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		if acc.user.ID == userID {
			writeJSON(w, http.StatusOK, userJSON(acc.user))
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "user not found"})
}

func (s *Server) handleGetCart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.cartJSONLocked(userIDFrom(r)))
}

func (s *Server) handleAddToCart(w http.ResponseWriter, r *http.Request) {
	s.cartPostCalls.Add(1)
	var body struct {
		ProductID string `json:"productId"`
		Quantity  int    `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Quantity <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid quantity"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cartPostLimit == 0 {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "cart service unavailable"})
		return
	}
	if _, ok := s.products[body.ProductID]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "product not found"})
		return
	}
	if s.cartPostLimit > 0 {
		s.cartPostLimit--
	}

	userID := userIDFrom(r)
	lines := s.carts[userID]
	found := false
	for i := range lines {
		if lines[i].ProductID == body.ProductID {
			lines[i].Quantity += body.Quantity
			found = true
			break
		}
	}
	if !found {
		lines = append(lines, Line{ProductID: body.ProductID, Quantity: body.Quantity})
	}
	s.carts[userID] = lines
	writeJSON(w, http.StatusOK, s.cartJSONLocked(userID))
}

func (s *Server) handleUpdateCart(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	var body struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	userID := userIDFrom(r)
	lines := s.carts[userID]
	for i := range lines {
		if lines[i].ProductID != productID {
			continue
		}
		if body.Quantity <= 0 {
			lines = append(lines[:i], lines[i+1:]...)
		} else {
			lines[i].Quantity = body.Quantity
		}
		s.carts[userID] = lines
		writeJSON(w, http.StatusOK, s.cartJSONLocked(userID))
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "product not in cart"})
}

func (s *Server) handleRemoveFromCart(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	s.mu.Lock()
	defer s.mu.Unlock()
	userID := userIDFrom(r)
	lines := s.carts[userID]
	for i := range lines {
		if lines[i].ProductID == productID {
			lines = append(lines[:i], lines[i+1:]...)
			break
		}
	}
	s.carts[userID] = lines
	writeJSON(w, http.StatusOK, s.cartJSONLocked(userID))
}

func (s *Server) handleClearCart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID := userIDFrom(r)
	delete(s.carts, userID)
	writeJSON(w, http.StatusOK, s.cartJSONLocked(userID))
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}
	s.mu.Lock()
	s.orders = append(s.orders, raw)
	id := fmt.Sprintf("order-%d", len(s.orders))
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]string{"_id": id})
}

// --- helpers ---

func (s *Server) issueAccessLocked(userID string) string {
	s.seq++
	token := fmt.Sprintf("access-%d", s.seq)
	s.tokens[token] = userID
	return token
}

func (s *Server) issueRefreshLocked(userID string) string {
	s.seq++
	token := fmt.Sprintf("refresh-%d", s.seq)
	s.refresh[token] = userID
	return token
}

func (s *Server) cartJSONLocked(userID string) any {
	lines := s.carts[userID]
	if s.shape == ShapeProducts {
		out := make([]map[string]any, 0, len(lines))
		for _, l := range lines {
			p := s.products[l.ProductID]
			out = append(out, map[string]any{
				"product": map[string]any{
					"_id":    l.ProductID,
					"title":  p.Title,
					"price":  p.Price,
					"images": []string{p.Image},
				},
				"quantity": l.Quantity,
			})
		}
		return map[string]any{"products": out}
	}

	out := make([]map[string]any, 0, len(lines))
	for _, l := range lines {
		p := s.products[l.ProductID]
		out = append(out, map[string]any{
			"productId": l.ProductID,
			"title":     p.Title,
			"unitPrice": p.Price,
			"quantity":  l.Quantity,
			"imageRef":  p.Image,
		})
	}
	return map[string]any{"lines": out}
}

func userJSON(u User) map[string]string {
	return map[string]string{"_id": u.ID, "username": u.Username, "email": u.Email, "role": u.Role}
}

func setRefreshCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
