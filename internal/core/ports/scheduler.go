package ports

import "time"

type SchedulerService interface {
	Start()
	Stop()
	// ScheduleRecurring runs fn on a fixed interval until Stop.
	ScheduleRecurring(interval time.Duration, fn func()) error
}
