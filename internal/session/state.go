// Package session はブラウザセッションごとの認証状態とプロフィールを管理するコントローラーを提供する。
package session

import "github.com/hitoshi/hdtn-connect/internal/model"

// State はコントローラーの主状態。
type State string

const (
	// StateAuthenticating はセッションの解決待ち（初期状態）。
	StateAuthenticating State = "authenticating"
	// StateAnonymous はセッションがない。
	StateAnonymous State = "anonymous"
	// StateAuthenticatedNoProfile はセッションはあるがプロフィールが未取得。
	StateAuthenticatedNoProfile State = "authenticated-no-profile"
	// StateAuthenticatedWithProfile はセッションとプロフィールの両方がある。
	// フォールバックプロフィールの場合もこの状態になる。
	StateAuthenticatedWithProfile State = "authenticated-with-profile"
)

// Snapshot はコントローラーの観測可能な状態。値として受け渡す。
type Snapshot struct {
	State          State
	Loading        bool
	ProfileLoading bool
	Session        *model.Session
	User           *model.User
	Profile        *model.Profile
}

// initialSnapshot は起動直後の状態を返す。
func initialSnapshot() Snapshot {
	return Snapshot{State: StateAuthenticating, Loading: true}
}

// event は状態遷移を引き起こす入力。
type event interface {
	isEvent()
}

// sessionResolved は起動時のセッション取得が完了したことを表す。
type sessionResolved struct{ session *model.Session }

// sessionChanged はセッション変更通知を表す。sessionがnilならサインアウト。
type sessionChanged struct{ session *model.Session }

// profileLoaded はプロフィールの取得（または作成）が完了したことを表す。
type profileLoaded struct{ profile *model.Profile }

// profileUpdated はプロフィール更新が成功したことを表す。
type profileUpdated struct{ profile *model.Profile }

// signedOut はこのコントローラー経由のサインアウト成功を表す。
type signedOut struct{}

func (sessionResolved) isEvent() {}
func (sessionChanged) isEvent()  {}
func (profileLoaded) isEvent()   {}
func (profileUpdated) isEvent()  {}
func (signedOut) isEvent()       {}

// apply はスナップショットにイベントを適用した新しいスナップショットを返す。
func apply(s Snapshot, ev event) Snapshot {
	switch e := ev.(type) {
	case sessionResolved:
		s.Loading = false
		return withSession(s, e.session)
	case sessionChanged:
		s.Loading = false
		return withSession(s, e.session)
	case profileLoaded:
		s.ProfileLoading = false
		if s.Session == nil {
			return s
		}
		if e.profile == nil {
			// 再取得に失敗した場合は保持していたプロフィールも捨てる。
			s.Profile = nil
			s.State = StateAuthenticatedNoProfile
			return s
		}
		s.Profile = e.profile
		s.State = StateAuthenticatedWithProfile
		return s
	case profileUpdated:
		if s.Session == nil || e.profile == nil {
			return s
		}
		s.Profile = e.profile
		s.State = StateAuthenticatedWithProfile
		return s
	case signedOut:
		s.Loading = false
		return withSession(s, nil)
	default:
		return s
	}
}

// withSession はセッションを丸ごと差し替える。
// 別ユーザーのセッションに変わった場合はキャッシュ済みプロフィールを破棄し、プロフィールの再取得待ちにする。
func withSession(s Snapshot, session *model.Session) Snapshot {
	if session == nil || session.User == nil {
		s.State = StateAnonymous
		s.Session = nil
		s.User = nil
		s.Profile = nil
		s.ProfileLoading = false
		return s
	}

	s.Session = session
	s.User = session.User
	s.ProfileLoading = true
	if s.Profile != nil && s.Profile.ID == session.User.ID {
		s.State = StateAuthenticatedWithProfile
		return s
	}
	s.Profile = nil
	s.State = StateAuthenticatedNoProfile
	return s
}
