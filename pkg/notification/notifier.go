package notification

// NoticeType identifies a notification template (e.g., sign-in passcode,
// email verification code).
type NoticeType string

const (
	SignInPasscodeNotice    NoticeType = "signin_passcode"
	EmailVerificationNotice NoticeType = "email_verification"
	PasswordResetNotice     NoticeType = "password_reset"
	PasswordChangedNotice   NoticeType = "password_changed"
	RecoveryCodesNotice     NoticeType = "recovery_codes_regenerated"
)

// NoticeTemplate holds the subject and bodies for one notice type.
type NoticeTemplate struct {
	Subject string
	Text    string
	Html    string
}

// NotificationData carries the recipient and template data for one send.
type NotificationData struct {
	To   string
	Data map[string]string
}

// Notifier delivers a rendered notice through one transport (email, mock).
type Notifier interface {
	Send(noticeType NoticeType, notification NotificationData, template NoticeTemplate) error
}
