package domain

// Status is the authentication state of the running client.
type Status int

const (
	// StatusUnauthenticated means no usable credential is held.
	StatusUnauthenticated Status = iota
	// StatusAuthenticating means a login or silent re-authentication is in flight.
	StatusAuthenticating
	// StatusAuthenticated means an access token and user snapshot are held.
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// MarshalText renders the status as its lowercase name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is a read-only snapshot of the client's authentication state.
type Session struct {
	AccessToken string `json:"-"`
	User        *User  `json:"user"`
	Status      Status `json:"status"`
}

// IsAuthenticated returns true if the session holds a credential and a user.
func (s Session) IsAuthenticated() bool {
	return s.Status == StatusAuthenticated && s.AccessToken != ""
}

// HasRole reports whether the session belongs to a user with the given role.
func (s Session) HasRole(role string) bool {
	return s.IsAuthenticated() && s.User.HasRole(role)
}

// UnmarshalText parses a status name; unknown names map to unauthenticated.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "authenticating":
		*s = StatusAuthenticating
	case "authenticated":
		*s = StatusAuthenticated
	default:
		*s = StatusUnauthenticated
	}
	return nil
}
