package redis

import (
	"context"
	"sort"
	"strconv"
	"time"
)

// StatsStore provides usage statistics operations
type StatsStore struct {
	client *Client
}

// NewStatsStore creates a new StatsStore
func NewStatsStore(client *Client) *StatsStore {
	return &StatsStore{client: client}
}

// StatsTTL is the TTL applied to each hourly bucket key.
const StatsTTL = 30 * 24 * time.Hour

const statsHourFormat = "2006-01-02T15"

// HourlyStats represents usage statistics for a single hour.
type HourlyStats struct {
	Hour     string                  `json:"hour"` // Format: "2024-02-08T14"
	Total    int64                   `json:"total"`
	Families map[string]*FamilyStats `json:"families"`
}

// FamilyStats represents statistics for a model family.
type FamilyStats struct {
	Subtotal int64            `json:"subtotal"`
	Models   map[string]int64 `json:"models"`
}

// RecordRequest increments the hourly bucket for a single (family, model)
// request and refreshes its TTL.
func (s *StatsStore) RecordRequest(ctx context.Context, modelFamily, modelShortName string) error {
	key := PrefixStats + getCurrentHourKey()

	if _, err := s.client.HIncrBy(ctx, key, "_total", 1); err != nil {
		return err
	}
	if _, err := s.client.HIncrBy(ctx, key, modelFamily+":_subtotal", 1); err != nil {
		return err
	}
	if _, err := s.client.HIncrBy(ctx, key, modelFamily+":"+modelShortName, 1); err != nil {
		return err
	}

	return s.client.Expire(ctx, key, StatsTTL)
}

// GetHourlyStats retrieves statistics for a specific hour bucket.
func (s *StatsStore) GetHourlyStats(ctx context.Context, hourKey string) (*HourlyStats, error) {
	data, err := s.client.HGetAll(ctx, PrefixStats+hourKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	stats := &HourlyStats{Hour: hourKey, Families: make(map[string]*FamilyStats)}

	for field, value := range data {
		count, _ := strconv.ParseInt(value, 10, 64)

		if field == "_total" {
			stats.Total = count
			continue
		}

		family, model := parseStatsField(field)
		if family == "" {
			continue
		}

		if _, ok := stats.Families[family]; !ok {
			stats.Families[family] = &FamilyStats{Models: make(map[string]int64)}
		}

		if model == "_subtotal" {
			stats.Families[family].Subtotal = count
		} else {
			stats.Families[family].Models[model] = count
		}
	}

	return stats, nil
}

// statsKeysSince lists the stats buckets (hour key -> bucket start time) not older
// than cutoff, by scanning the hourly key space once.
func (s *StatsStore) statsKeysSince(ctx context.Context, cutoff time.Time) (map[string]time.Time, error) {
	keys, err := s.client.ScanAll(ctx, PrefixStats+"*")
	if err != nil {
		return nil, err
	}

	kept := make(map[string]time.Time, len(keys))
	for _, key := range keys {
		hourKey := key[len(PrefixStats):]
		t, err := time.Parse(statsHourFormat, hourKey)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			continue
		}
		kept[hourKey] = t
	}
	return kept, nil
}

// GetHistory retrieves historical statistics for the last `days` days,
// keyed by hour bucket.
func (s *StatsStore) GetHistory(ctx context.Context, days int) (map[string]*HourlyStats, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	kept, err := s.statsKeysSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	history := make(map[string]*HourlyStats, len(kept))
	for hourKey := range kept {
		stats, err := s.GetHourlyStats(ctx, hourKey)
		if err != nil || stats == nil {
			continue
		}
		history[hourKey] = stats
	}

	return history, nil
}

// GetSortedHistory returns GetHistory's results in chronological order.
func (s *StatsStore) GetSortedHistory(ctx context.Context, days int) ([]*HourlyStats, error) {
	history, err := s.GetHistory(ctx, days)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(history))
	for k := range history {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]*HourlyStats, len(keys))
	for i, k := range keys {
		result[i] = history[k]
	}
	return result, nil
}

// PruneOldStats removes buckets older than the given retention window and
// reports how many were removed.
func (s *StatsStore) PruneOldStats(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	keys, err := s.client.ScanAll(ctx, PrefixStats+"*")
	if err != nil {
		return 0, err
	}

	var pruned int
	for _, key := range keys {
		hourKey := key[len(PrefixStats):]
		t, err := time.Parse(statsHourFormat, hourKey)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			if err := s.client.Delete(ctx, key); err == nil {
				pruned++
			}
		}
	}

	return pruned, nil
}

// getCurrentHourKey returns the current UTC hour in stats-key format.
func getCurrentHourKey() string {
	return time.Now().UTC().Format(statsHourFormat)
}

// parseStatsField splits a "family:model" hash field into its two parts.
func parseStatsField(field string) (family, model string) {
	for i := 0; i < len(field); i++ {
		if field[i] == ':' {
			return field[:i], field[i+1:]
		}
	}
	return "", ""
}
