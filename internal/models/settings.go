package models

// ThrottleSettings are the account-level sending limits. They are persisted so
// that adaptive rate adjustments survive restarts.
type ThrottleSettings struct {
	MessagesPerMinute int  `json:"messages_per_minute"`
	MessagesPerHour   int  `json:"messages_per_hour"`
	MessagesPerDay    int  `json:"messages_per_day"`
	WarmupMode        bool `json:"warmup_mode"`
	WarmupDailyLimit  int  `json:"warmup_daily_limit"`
}

// DefaultThrottleSettings returns the limits applied before any are persisted.
func DefaultThrottleSettings() ThrottleSettings {
	return ThrottleSettings{
		MessagesPerMinute: 10,
		MessagesPerHour:   300,
		MessagesPerDay:    1000,
		WarmupMode:        false,
		WarmupDailyLimit:  50,
	}
}
