package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	PlaybooksChanged bool // true if any playbook was added, removed, or had its prompt, stages or transitions changed
	PlaybookChanges  []PlaybookDiff
	LogLevelChanged  bool
	NewLogLevel      LogLevel
}

// PlaybookDiff describes what changed for a single playbook between two configs.
type PlaybookDiff struct {
	ID                    string
	GlobalPromptChanged   bool
	StagesChanged         bool
	TransitionsChanged    bool
	Added                 bool
	Removed               bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build playbook lookup maps keyed by ID.
	oldPBs := make(map[string]*PlaybookConfig, len(old.Playbooks))
	for i := range old.Playbooks {
		oldPBs[old.Playbooks[i].ID] = &old.Playbooks[i]
	}
	newPBs := make(map[string]*PlaybookConfig, len(new.Playbooks))
	for i := range new.Playbooks {
		newPBs[new.Playbooks[i].ID] = &new.Playbooks[i]
	}

	// Detect modified and removed playbooks.
	for id, oldPB := range oldPBs {
		newPB, exists := newPBs[id]
		if !exists {
			d.PlaybookChanges = append(d.PlaybookChanges, PlaybookDiff{
				ID:      id,
				Removed: true,
			})
			d.PlaybooksChanged = true
			continue
		}
		pd := diffPlaybook(id, oldPB, newPB)
		if pd.GlobalPromptChanged || pd.StagesChanged || pd.TransitionsChanged {
			d.PlaybookChanges = append(d.PlaybookChanges, pd)
			d.PlaybooksChanged = true
		}
	}

	// Detect added playbooks.
	for id := range newPBs {
		if _, exists := oldPBs[id]; !exists {
			d.PlaybookChanges = append(d.PlaybookChanges, PlaybookDiff{
				ID:    id,
				Added: true,
			})
			d.PlaybooksChanged = true
		}
	}

	return d
}

// diffPlaybook compares two playbook configs with the same ID.
func diffPlaybook(id string, old, new *PlaybookConfig) PlaybookDiff {
	pd := PlaybookDiff{ID: id}

	if old.GlobalSystemPrompt != new.GlobalSystemPrompt {
		pd.GlobalPromptChanged = true
	}
	if !reflect.DeepEqual(old.Stages, new.Stages) {
		pd.StagesChanged = true
	}
	if !reflect.DeepEqual(old.Transitions, new.Transitions) {
		pd.TransitionsChanged = true
	}

	return pd
}
