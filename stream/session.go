package stream

// Role identifies the kind of actor authenticated in the host application.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Session is the identity of the locally authenticated actor. It is owned by
// the host application and treated as read-only input: set at login, cleared
// at logout. All subscriptions for a prior session must be torn down before
// new ones are created for a different session.
type Session struct {
	UserID string
	Role   Role
	Name   string
}

// Valid reports whether the session carries enough identity to subscribe.
func (s Session) Valid() bool {
	return s.UserID != "" && (s.Role == RolePatient || s.Role == RoleDoctor || s.Role == RoleAdmin)
}
