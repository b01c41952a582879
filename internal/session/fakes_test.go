package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/hdtn-connect/internal/model"
	"github.com/hitoshi/hdtn-connect/internal/supabase"
)

// fakeAuth はメモリ上でユーザーとセッションを管理するAuthService。
// 通知はsupabase.AuthClientと同じく同期的に配送する。
type fakeAuth struct {
	configured bool
	getErr     error
	// getSessionGate が設定されていれば、閉じられるまでGetSessionを止める。
	getSessionGate chan struct{}

	mu          sync.Mutex
	session     *model.Session
	passwords   map[string]string
	users       map[string]*model.User
	handlers    map[int]supabase.SessionChangeHandler
	nextID      int
	subscribes  int
	unsubscribe int
	refreshers  int
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		configured: true,
		passwords:  make(map[string]string),
		users:      make(map[string]*model.User),
		handlers:   make(map[int]supabase.SessionChangeHandler),
	}
}

func (f *fakeAuth) Configured() bool { return f.configured }

func (f *fakeAuth) GetSession(context.Context) (*model.Session, error) {
	if !f.configured {
		return nil, supabase.ErrNotConfigured
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.getSessionGate != nil {
		<-f.getSessionGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, nil
}

func (f *fakeAuth) OnSessionChange(h supabase.SessionChangeHandler) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = h
	f.subscribes++
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.handlers, id)
			f.unsubscribe++
			f.mu.Unlock()
		})
	}
}

func (f *fakeAuth) SignUp(_ context.Context, email, password string, data map[string]any) (*supabase.SignUpResult, error) {
	f.mu.Lock()
	if _, exists := f.passwords[email]; exists {
		f.mu.Unlock()
		return nil, &supabase.AuthError{Status: 422, Message: "User already registered"}
	}
	user := &model.User{ID: "user-" + email, Email: email, UserMetadata: data}
	f.passwords[email] = password
	f.users[email] = user
	f.mu.Unlock()

	session := f.newSession(user)
	f.emit(model.AuthEventSignedIn, session)
	return &supabase.SignUpResult{User: user, Session: session}, nil
}

func (f *fakeAuth) SignInWithPassword(_ context.Context, email, password string) (*model.Session, error) {
	f.mu.Lock()
	stored, ok := f.passwords[email]
	user := f.users[email]
	f.mu.Unlock()
	if !ok || stored != password {
		return nil, &supabase.AuthError{Status: 400, Code: "invalid_credentials", Message: "Invalid login credentials"}
	}

	session := f.newSession(user)
	f.emit(model.AuthEventSignedIn, session)
	return session, nil
}

func (f *fakeAuth) SignOut(context.Context) error {
	if !f.configured {
		return supabase.ErrNotConfigured
	}
	f.emit(model.AuthEventSignedOut, nil)
	return nil
}

func (f *fakeAuth) StartAutoRefresh(context.Context, time.Duration) func() {
	f.mu.Lock()
	f.refreshers++
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.refreshers--
		f.mu.Unlock()
	}
}

func (f *fakeAuth) newSession(user *model.User) *model.Session {
	return &model.Session{
		AccessToken:  fmt.Sprintf("access-%s", user.ID),
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		User:         user,
	}
}

// emit はセッションを差し替えて購読者に通知する。
func (f *fakeAuth) emit(event model.AuthEvent, session *model.Session) {
	f.mu.Lock()
	f.session = session
	handlers := make([]supabase.SessionChangeHandler, 0, len(f.handlers))
	for id := 0; id < f.nextID; id++ {
		if h, ok := f.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(event, session)
	}
}

func (f *fakeAuth) counts() (subscribes, unsubscribes, listeners int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes, f.unsubscribe, len(f.handlers)
}

// memRepo はrepository.ProfileRepositoryのインメモリ実装。
type memRepo struct {
	mu       sync.Mutex
	rows     map[string]model.Profile
	tokens   []string
	probeErr error
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[string]model.Profile)}
}

func (r *memRepo) Probe(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.probeErr
}

func (r *memRepo) setProbeErr(err error) {
	r.mu.Lock()
	r.probeErr = err
	r.mu.Unlock()
}

func (r *memRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, supabase.AccessTokenFromContext(ctx))
	p, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *memRepo) Create(_ context.Context, p *model.Profile) (*model.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[p.ID]; ok {
		return nil, errors.New("duplicate key")
	}
	r.rows[p.ID] = *p
	out := *p
	return &out, nil
}

func (r *memRepo) Update(_ context.Context, id string, patch model.ProfilePatch, updatedAt time.Time) (*model.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	p = patch.ApplyTo(p)
	p.UpdatedAt = updatedAt
	r.rows[id] = p
	return &p, nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// gatedProfiles はreleaseが閉じられるまでGetOrCreateProfileをブロックするProfileService。
type gatedProfiles struct {
	started chan string
	release chan struct{}
}

func newGatedProfiles() *gatedProfiles {
	return &gatedProfiles{started: make(chan string, 8), release: make(chan struct{})}
}

func (g *gatedProfiles) GetOrCreateProfile(_ context.Context, user *model.User) *model.Profile {
	g.started <- user.ID
	<-g.release
	return &model.Profile{ID: user.ID, Email: user.Email, Skills: []string{}}
}

func (g *gatedProfiles) UpdateProfile(context.Context, string, model.ProfilePatch) *model.Profile {
	return nil
}
