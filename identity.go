package chatsync

// Identity is the current authenticated user record.
type Identity struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// IdentitySource supplies the current user. It returns (nil, nil) when nobody
// is signed in.
type IdentitySource interface {
	CurrentUser() (*Identity, error)
}

// IdentityFunc adapts a function to IdentitySource.
type IdentityFunc func() (*Identity, error)

func (f IdentityFunc) CurrentUser() (*Identity, error) { return f() }

// StaticIdentity always returns id. A nil id means signed out.
func StaticIdentity(id *Identity) IdentitySource {
	return IdentityFunc(func() (*Identity, error) {
		if id == nil {
			return nil, nil
		}
		cp := *id
		return &cp, nil
	})
}
