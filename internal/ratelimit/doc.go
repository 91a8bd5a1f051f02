// Package ratelimit implements multi-category fixed-window quota limiting.
//
// Every action is resolved to one of a closed set of categories, and all
// actions in a category share one counter per partition and window. Counters
// live in a shared quota.Store, so any number of processes enforce the same
// limit. Windows are aligned to the epoch: with a 60s window, all calls in
// [12:00:00, 12:01:00) share a bucket. A burst straddling a boundary can
// therefore admit up to twice the limit within one window-length interval.
package ratelimit
