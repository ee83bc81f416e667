// Package notifications defines the notification service interface used to
// reach customers about billing events, such as failed payments.
package notifications

import "context"

type Notification struct {
	ToName    string
	ToAddress string
	ToNumber  string
	Subject   string
	Body      string
	PlainBody string
}

type NotificationService interface {
	New(conf any) error
	SendNotification(context.Context, *Notification) error
}
