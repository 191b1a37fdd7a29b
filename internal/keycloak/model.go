package keycloak

// User is a resolved POSIX account.
type User struct {
	Username string
	UID      uint32
	GID      uint32
	Gecos    string
	HomeDir  string
	Shell    string
}

// Group is a resolved POSIX group. Members are provider usernames in the
// order the membership endpoint returned them.
type Group struct {
	Name    string
	GID     uint32
	Members []string
}

// Defaults applied when the mapped attribute is absent.
const (
	DefaultHomeDir = "/"
	DefaultShell   = "/sbin/nologin"
	DefaultGecos   = ",,,"
)

// userRepresentation is the subset of Keycloak's UserRepresentation we read.
type userRepresentation struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	Enabled    bool       `json:"enabled"`
	Attributes Attributes `json:"attributes"`
}

// groupRepresentation is the subset of Keycloak's GroupRepresentation we read.
// Subgroups are ignored.
type groupRepresentation struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Path       string     `json:"path"`
	Attributes Attributes `json:"attributes"`
}

// memberRepresentation is an entry of /groups/{id}/members.
type memberRepresentation struct {
	Username string `json:"username"`
}

func (u userRepresentation) toUser(m AttributeMapping) (User, error) {
	uid, err := requiredID(u.Username, u.Attributes, m.UserUID)
	if err != nil {
		return User{}, err
	}
	gid, err := requiredID(u.Username, u.Attributes, m.UserGID)
	if err != nil {
		return User{}, err
	}
	home, err := attributeOrDefault(u.Username, u.Attributes, m.UserHome, DefaultHomeDir)
	if err != nil {
		return User{}, err
	}
	shell, err := attributeOrDefault(u.Username, u.Attributes, m.UserShell, DefaultShell)
	if err != nil {
		return User{}, err
	}
	gecos, err := attributeOrDefault(u.Username, u.Attributes, m.UserGecos, DefaultGecos)
	if err != nil {
		return User{}, err
	}
	return User{
		Username: u.Username,
		UID:      uid,
		GID:      gid,
		Gecos:    gecos,
		HomeDir:  home,
		Shell:    shell,
	}, nil
}
