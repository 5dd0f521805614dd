// Package notifier delivers operator notifications asynchronously.
//
// Notifications go through a bounded queue drained by a small worker pool.
// Each send is rate limited, retried with jittered backoff, and identical
// messages are suppressed for a dedup window. Dedup state can optionally be
// persisted through storage so a restart does not resend the same alert.
//
// Delivery is delegated to a transport.Sender (Telegram in production).
package notifier
