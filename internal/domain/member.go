package domain

// SessionRole is the role a user holds inside one session's room.
// It is decided once at admission and never re-derived from the account role.
type SessionRole string

const (
	SessionRoleExaminee SessionRole = "examinee"
	SessionRoleProctor  SessionRole = "proctor"
)

// Member represents user's participation meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	UserID UserID      `json:"user_id"`
	Role   SessionRole `json:"role_in_session"`
}

func NewMember(id UserID, role SessionRole) *Member {
	return &Member{UserID: id, Role: role}
}

func (m *Member) IsProctor() bool  { return m.Role == SessionRoleProctor }
func (m *Member) IsExaminee() bool { return m.Role == SessionRoleExaminee }
