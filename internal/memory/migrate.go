package memory

import (
	"encoding/json"
	"fmt"
	"strings"
)

// legacyHistory is the per-(bot, channel, user) layout written by older
// releases.
type legacyHistory struct {
	Messages []Message `json:"messages"`
}

type MigrationReport struct {
	LegacyFiles int
	Merged      int
	Failed      int
}

// Migrate folds legacy per-user histories into the per-channel layout.
// Merged messages are ordered by timestamp and capped at MaxHistoryLength;
// each legacy blob is deleted once its channel history is written. Running
// it again after a successful pass is a no-op.
func (b *Buffer) Migrate() (MigrationReport, error) {
	var report MigrationReport
	keys, err := b.store.Keys("")
	if err != nil {
		return report, fmt.Errorf("list histories: %w", err)
	}

	groups := make(map[string][]string)
	var order []string
	for _, key := range keys {
		parts := strings.Split(key, keySeparator)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			continue
		}
		report.LegacyFiles++
		target := historyKey(parts[0], parts[1])
		if _, ok := groups[target]; !ok {
			order = append(order, target)
		}
		groups[target] = append(groups[target], key)
	}

	for _, target := range order {
		legacyKeys := groups[target]
		botID, channelID, _ := strings.Cut(target, keySeparator)
		if err := b.mergeLegacy(target, botID, channelID, legacyKeys); err != nil {
			report.Failed += len(legacyKeys)
			b.logger.Error("failed to migrate legacy history", "error", err, "bot_id", botID, "channel_id", channelID)
			continue
		}
		report.Merged += len(legacyKeys)
		b.logger.Info("migrated legacy history", "bot_id", botID, "channel_id", channelID, "legacy_files", len(legacyKeys))
	}
	if report.Failed > 0 {
		return report, fmt.Errorf("%d legacy histories could not be migrated", report.Failed)
	}
	return report, nil
}

func (b *Buffer) mergeLegacy(target, botID, channelID string, legacyKeys []string) error {
	unlock := b.locks.Lock(target)
	defer unlock()

	current, err := b.load(target, botID, channelID)
	if err != nil {
		return err
	}
	merged := current.clone()
	seen := make(map[messageIdentity]struct{}, len(merged.Messages))
	for _, m := range merged.Messages {
		seen[identityOf(m)] = struct{}{}
	}
	for _, key := range legacyKeys {
		data, ok, err := b.store.Get(key)
		if err != nil {
			return fmt.Errorf("read legacy history %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var legacy legacyHistory
		if err := json.Unmarshal(data, &legacy); err != nil {
			return fmt.Errorf("decode legacy history %s: %w", key, err)
		}
		for _, m := range legacy.Messages {
			// A pass interrupted after the merge was written may leave its
			// legacy blobs behind; skip what was already merged.
			id := identityOf(m)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			merged.Messages = append(merged.Messages, m)
		}
	}
	merged.Messages = sortAndCap(merged.Messages)
	if err := b.save(target, merged); err != nil {
		return err
	}
	for _, key := range legacyKeys {
		if err := b.store.Delete(key); err != nil {
			return fmt.Errorf("delete legacy history %s: %w", key, err)
		}
	}
	return nil
}

type messageIdentity struct {
	role      string
	content   string
	userID    string
	timestamp int64
}

func identityOf(m Message) messageIdentity {
	return messageIdentity{role: m.Role, content: m.Content, userID: m.UserID, timestamp: m.Timestamp.UnixNano()}
}
