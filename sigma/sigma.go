// Package sigma evaluates Sigma rules against capture events.
//
// Rules live in <rulesDir>/enabled_rules and <rulesDir>/disabled_rules.
// Only the enabled directory is loaded and watched; toggling a rule moves
// its file between the two.
package sigma

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"

	"github.com/jnesss/xpc-recorder/capture"
	"github.com/jnesss/xpc-recorder/database"
)

// ErrRuleNotFound is returned by ToggleRule for an unknown rule id.
var ErrRuleNotFound = errors.New("rule not found")

const (
	enabledDirName  = "enabled_rules"
	disabledDirName = "disabled_rules"
)

// Detector manages Sigma rules and detection
type Detector struct {
	RulesDir string
	db       *database.DB

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator
	// loadMu serializes reloads so the last directory read wins.
	loadMu sync.Mutex

	reloadChan chan bool // Channel to signal rule reloading
	watcher    *fsnotify.Watcher
	done       chan struct{}
	closeOnce  sync.Once
}

// MatchResult represents the result of a rule evaluation
type MatchResult struct {
	Match        bool
	Rule         sigma.Rule
	MatchDetails []string
}

// RuleInfo describes a rule file in either directory.
type RuleInfo struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Level   string `json:"level"`
	Status  string `json:"status,omitempty"`
	File    string `json:"file"`
	Enabled bool   `json:"enabled"`
}

func createConfig() sigma.Config {
	return sigma.Config{
		Title: "XPC Recorder Config",
		FieldMappings: map[string]sigma.FieldMapping{
			"ServiceName": {TargetNames: []string{"ConnectionName"}},
			"ProcessId":   {TargetNames: []string{"ConnectionPID"}},
			"Image":       {TargetNames: []string{"PeerName"}},
		},
	}
}

// NewDetector creates a Detector, loads the enabled rules and starts
// watching them. db may be nil, in which case matches are only logged.
func NewDetector(rulesDir string, db *database.DB) (*Detector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	detector := &Detector{
		RulesDir:   rulesDir,
		db:         db,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		reloadChan: make(chan bool, 1),
		watcher:    watcher,
		done:       make(chan struct{}),
	}

	for _, dir := range []string{detector.enabledDir(), detector.disabledDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to create directory %s: %v", dir, err)
		}
	}

	if err := detector.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to load rules: %v", err)
	}

	if err := detector.setupWatcher(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to set up file watcher: %v", err)
	}

	return detector, nil
}

func (sd *Detector) enabledDir() string  { return filepath.Join(sd.RulesDir, enabledDirName) }
func (sd *Detector) disabledDir() string { return filepath.Join(sd.RulesDir, disabledDirName) }

func (sd *Detector) setupWatcher() error {
	// changes in disabled_rules do not matter
	if err := sd.watcher.Add(sd.enabledDir()); err != nil {
		return fmt.Errorf("failed to watch directory %s: %v", sd.enabledDir(), err)
	}
	log.WithField("dir", sd.enabledDir()).Debug("watching rules directory")

	go sd.watchFileChanges()
	go sd.reloadLoop()
	return nil
}

func (sd *Detector) watchFileChanges() {
	for {
		select {
		case event, ok := <-sd.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.WithField("file", event.Name).Debugf("rule change: %s", event.Op)
				sd.ReloadRules()
			}

		case err, ok := <-sd.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("rule watcher error")
		}
	}
}

func (sd *Detector) reloadLoop() {
	for {
		select {
		case <-sd.done:
			return
		case <-sd.reloadChan:
			if err := sd.LoadRules(); err != nil {
				log.WithError(err).Error("failed to reload rules")
			}
		}
	}
}

// ReloadRules schedules a reload; pending requests are coalesced.
func (sd *Detector) ReloadRules() {
	select {
	case sd.reloadChan <- true:
	default:
	}
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

// LoadRules replaces the active rule set with the contents of the enabled
// directory. Files that fail to parse are skipped with a warning.
func (sd *Detector) LoadRules() error {
	sd.loadMu.Lock()
	defer sd.loadMu.Unlock()

	entries, err := os.ReadDir(sd.enabledDir())
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		filePath := filepath.Join(sd.enabledDir(), entry.Name())
		rule, err := parseRuleFile(filePath)
		if err != nil {
			log.WithField("file", filePath).Warnf("Warning: Failed to load rule file: %v", err)
			continue
		}
		evaluators[rule.ID] = newEvaluator(rule)
		log.WithField("id", rule.ID).Debugf("Loaded rule: %s", rule.Title)
	}

	sd.mu.Lock()
	sd.evaluators = evaluators
	sd.mu.Unlock()

	log.WithField("dir", sd.enabledDir()).Infof("Loaded %d Sigma rules", len(evaluators))
	return nil
}

// parseRuleFile reads a rule. A rule without an id is keyed by its file
// name.
func parseRuleFile(filePath string) (sigma.Rule, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return sigma.Rule{}, err
	}
	if sigma.InferFileType(content) != sigma.RuleFile {
		return sigma.Rule{}, fmt.Errorf("file is not a Sigma rule: %s", filePath)
	}
	rule, err := sigma.ParseRule(content)
	if err != nil {
		return sigma.Rule{}, err
	}
	if rule.ID == "" {
		rule.ID = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}
	return rule, nil
}

func newEvaluator(rule sigma.Rule) *evaluator.RuleEvaluator {
	return evaluator.ForRule(rule,
		evaluator.WithConfig(createConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		// aggregations are not supported over single events
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
	)
}

// RuleCount returns the number of active rules.
func (sd *Detector) RuleCount() int {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return len(sd.evaluators)
}

// CheckEvent evaluates every active rule against ev.
func (sd *Detector) CheckEvent(ctx context.Context, ev *capture.Event) []MatchResult {
	fields := EventFields(ev)

	sd.mu.RLock()
	defer sd.mu.RUnlock()

	var results []MatchResult
	for _, ruleEvaluator := range sd.evaluators {
		result, err := ruleEvaluator.Matches(ctx, fields)
		if err != nil {
			log.WithField("rule", ruleEvaluator.Rule.ID).Warnf("Error evaluating event %s: %v", ev.ID, err)
			continue
		}
		if !result.Match {
			continue
		}

		var matchConditions []string
		for k, v := range result.SearchResults {
			if v {
				matchConditions = append(matchConditions, k)
			}
		}
		sort.Strings(matchConditions)

		results = append(results, MatchResult{
			Match: true,
			Rule:  ruleEvaluator.Rule,
			MatchDetails: []string{
				fmt.Sprintf("Matched conditions: %s", strings.Join(matchConditions, ", ")),
			},
		})
		log.WithFields(log.Fields{
			"rule":  ruleEvaluator.Rule.ID,
			"event": ev.ID,
		}).Infof("Event matched rule %s", ruleEvaluator.Rule.Title)
	}
	return results
}

// Emit checks each captured event and stores its matches; it makes the
// detector a capture sink.
func (sd *Detector) Emit(ev *capture.Event, line []byte) error {
	var errs []error
	for _, match := range sd.CheckEvent(context.Background(), ev) {
		if err := sd.StoreMatch(match, ev, line); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StoreMatch stores a rule match in the database
func (sd *Detector) StoreMatch(match MatchResult, ev *capture.Event, line []byte) error {
	if sd.db == nil {
		return nil
	}
	_, err := sd.db.InsertMatch(&database.Match{
		EventID:        ev.ID,
		RuleID:         match.Rule.ID,
		RuleName:       match.Rule.Title,
		Function:       ev.Function,
		ConnectionName: ev.ConnectionName,
		ConnectionPID:  ev.ConnectionPID,
		PeerName:       ev.PeerName,
		Timestamp:      ev.Timestamp,
		Severity:       match.Rule.Level,
		MatchDetails:   match.MatchDetails,
		EventData:      string(line),
	})
	if err != nil {
		return err
	}
	log.WithField("rule", match.Rule.ID).Debugf("Stored match: %s", match.Rule.Title)
	return nil
}

// ListRules lists rule files in both directories, enabled first.
func (sd *Detector) ListRules() ([]RuleInfo, error) {
	var rules []RuleInfo
	for _, d := range []struct {
		dir     string
		enabled bool
	}{
		{sd.enabledDir(), true},
		{sd.disabledDir(), false},
	} {
		entries, err := os.ReadDir(d.dir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || !isRuleFile(entry.Name()) {
				continue
			}
			rule, err := parseRuleFile(filepath.Join(d.dir, entry.Name()))
			if err != nil {
				log.WithField("file", entry.Name()).Debugf("skipping: %v", err)
				continue
			}
			rules = append(rules, RuleInfo{
				ID:      rule.ID,
				Title:   rule.Title,
				Level:   rule.Level,
				Status:  rule.Status,
				File:    entry.Name(),
				Enabled: d.enabled,
			})
		}
	}
	return rules, nil
}

// ToggleRule moves the rule with the given id to the other directory,
// reloads the active set and reports whether the rule is now enabled.
func (sd *Detector) ToggleRule(id string) (bool, error) {
	rules, err := sd.ListRules()
	if err != nil {
		return false, err
	}
	for _, r := range rules {
		if r.ID != id {
			continue
		}
		from, to := sd.enabledDir(), sd.disabledDir()
		if !r.Enabled {
			from, to = to, from
		}
		if err := os.Rename(filepath.Join(from, r.File), filepath.Join(to, r.File)); err != nil {
			return r.Enabled, fmt.Errorf("failed to move rule %s: %v", id, err)
		}
		if err := sd.LoadRules(); err != nil {
			return !r.Enabled, err
		}
		return !r.Enabled, nil
	}
	return false, fmt.Errorf("%s: %w", id, ErrRuleNotFound)
}

// AddRule validates content as a Sigma rule and writes it to the enabled
// directory under fileName.
func (sd *Detector) AddRule(fileName string, content []byte) (RuleInfo, error) {
	fileName = filepath.Base(fileName)
	if !isRuleFile(fileName) {
		return RuleInfo{}, fmt.Errorf("filename must have .yml or .yaml extension")
	}
	if sigma.InferFileType(content) != sigma.RuleFile {
		return RuleInfo{}, fmt.Errorf("content is not a Sigma rule")
	}
	rule, err := sigma.ParseRule(content)
	if err != nil {
		return RuleInfo{}, fmt.Errorf("invalid rule format: %v", err)
	}

	target := filepath.Join(sd.enabledDir(), fileName)
	if err := os.WriteFile(target, content, 0644); err != nil {
		return RuleInfo{}, fmt.Errorf("failed to write file: %v", err)
	}
	if err := sd.LoadRules(); err != nil {
		return RuleInfo{}, err
	}

	id := rule.ID
	if id == "" {
		id = strings.TrimSuffix(fileName, filepath.Ext(fileName))
	}
	return RuleInfo{
		ID:      id,
		Title:   rule.Title,
		Level:   rule.Level,
		Status:  rule.Status,
		File:    fileName,
		Enabled: true,
	}, nil
}

// Close stops watching the rules directory.
func (sd *Detector) Close() error {
	var err error
	sd.closeOnce.Do(func() {
		close(sd.done)
		err = sd.watcher.Close()
	})
	return err
}
