package plenticore

// Notification receives session lifecycle callbacks. Implementations
// must be fast; callbacks run on the calling goroutine.
type Notification interface {
	LoginStarted(user string)
	LoginSucceeded(sessionID string)
	LoginFailed(err error)
	SessionReused(sessionID string)
	SessionError(err error)
}

var NilNotification = nilNotification{}

type nilNotification struct {
}

func (n nilNotification) LoginStarted(_ string) {

}

func (n nilNotification) LoginSucceeded(_ string) {

}

func (n nilNotification) LoginFailed(_ error) {
}

func (n nilNotification) SessionReused(_ string) {

}

func (n nilNotification) SessionError(_ error) {
}
