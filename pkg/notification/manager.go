package notification

import "fmt"

// NotificationManager routes notices to a registered notifier using the
// template registered for the notice type.
type NotificationManager struct {
	notifier  Notifier
	templates map[NoticeType]NoticeTemplate
}

// NewNotificationManager creates a manager with the default notice templates
// registered.
func NewNotificationManager(notifier Notifier) *NotificationManager {
	nm := &NotificationManager{
		notifier:  notifier,
		templates: make(map[NoticeType]NoticeTemplate),
	}
	for noticeType, tmpl := range defaultTemplates() {
		nm.templates[noticeType] = tmpl
	}
	return nm
}

// RegisterNotice adds or replaces the template for a notice type.
func (nm *NotificationManager) RegisterNotice(noticeType NoticeType, template NoticeTemplate) {
	nm.templates[noticeType] = template
}

// Send renders and delivers a notice.
func (nm *NotificationManager) Send(noticeType NoticeType, notification NotificationData) error {
	template, ok := nm.templates[noticeType]
	if !ok {
		return fmt.Errorf("no template registered for notice type: %s", noticeType)
	}
	return nm.notifier.Send(noticeType, notification, template)
}

func defaultTemplates() map[NoticeType]NoticeTemplate {
	return map[NoticeType]NoticeTemplate{
		SignInPasscodeNotice: {
			Subject: "Your sign-in code",
			Text:    "Your sign-in verification code is {{.Passcode}}. It expires in {{.ExpiresIn}}.",
		},
		EmailVerificationNotice: {
			Subject: "Verify your email address",
			Text:    "Your email verification code is {{.Code}}. It expires in {{.ExpiresIn}}.",
		},
		PasswordResetNotice: {
			Subject: "Reset your password",
			Text:    "Your password reset code is {{.Code}}. It expires in {{.ExpiresIn}}. If you did not request this, you can ignore this message.",
		},
		PasswordChangedNotice: {
			Subject: "Your password was changed",
			Text:    "Your password was changed at {{.ChangedAt}}. Other devices have been signed out. If this was not you, reset your password immediately.",
		},
		RecoveryCodesNotice: {
			Subject: "New recovery codes generated",
			Text:    "A new set of recovery codes was generated for your account. Previous codes no longer work.",
		},
	}
}
