package events

// Exchanges. Both are durable topic exchanges so that several event types can
// share one exchange and be bound selectively by routing key.
const (
	TaskEventsExchange         = "task_events"
	NotificationEventsExchange = "notification_events"
)

// Routing keys.
const (
	RoutingKeyTaskCreated        = "task.created"
	RoutingKeyNotificationSent   = "notification.sent"
	RoutingKeyNotificationFailed = "notification.failed"
)

// Queues owned by each service.
const (
	TaskServiceNotificationsQueue = "task_service_notifications"
	NotificationServiceTasksQueue = "notification_service_tasks"
)

// Event type names carried in Envelope.Type.
const (
	TypeTaskCreated        = "task_created"
	TypeNotificationSent   = "notification_sent"
	TypeNotificationFailed = "notification_failed"
)

// RoutingKeyFor returns the routing key an event type is published under.
func RoutingKeyFor(eventType string) (string, bool) {
	switch eventType {
	case TypeTaskCreated:
		return RoutingKeyTaskCreated, true
	case TypeNotificationSent:
		return RoutingKeyNotificationSent, true
	case TypeNotificationFailed:
		return RoutingKeyNotificationFailed, true
	default:
		return "", false
	}
}
