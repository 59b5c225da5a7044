package registrator

import (
	"encoding/json"
	"sync"
	"time"
)

// IncomingDataSetFile identifies the original inbox file and, when prestaging
// is enabled, its disposable hardlink copy.
type IncomingDataSetFile struct {
	// OriginalPath never changes once registration has started.
	OriginalPath string `json:"original_path"`

	// PrestagingCopy is empty when the original is processed directly.
	PrestagingCopy string `json:"prestaging_copy,omitempty"`
}

// FileToProcess returns the path the pipeline consumes.
func (f IncomingDataSetFile) FileToProcess() string {
	if f.PrestagingCopy != "" {
		return f.PrestagingCopy
	}
	return f.OriginalPath
}

// DataSetInformation describes one data set as registered in the application
// server. A data set belongs to an experiment, a sample, or both.
type DataSetInformation struct {
	Code         string            `json:"code" validate:"required,max=255"`
	Type         string            `json:"type" validate:"required,max=100"`
	ExperimentID string            `json:"experiment_id,omitempty" validate:"required_without=SampleID"`
	SampleID     string            `json:"sample_id,omitempty" validate:"required_without=ExperimentID"`
	ShareID      string            `json:"share_id" validate:"required"`
	ParentCodes  []string          `json:"parent_codes,omitempty" validate:"dive,required"`
	Properties   map[string]string `json:"properties,omitempty" validate:"dive,keys,required,endkeys"`
}

// Clone returns a deep copy.
func (d DataSetInformation) Clone() DataSetInformation {
	out := d
	if d.ParentCodes != nil {
		out.ParentCodes = append([]string(nil), d.ParentCodes...)
	}
	if d.Properties != nil {
		out.Properties = make(map[string]string, len(d.Properties))
		for k, v := range d.Properties {
			out.Properties[k] = v
		}
	}
	return out
}

// DataSetRegistrationDetails is the description of one data set to create,
// produced by the process function.
type DataSetRegistrationDetails struct {
	Info DataSetInformation `json:"info"`

	// Source is the path of the payload relative to the incoming file. Empty
	// means the whole incoming file.
	Source string `json:"source,omitempty"`
}

// Clone returns a deep copy.
func (d DataSetRegistrationDetails) Clone() DataSetRegistrationDetails {
	return DataSetRegistrationDetails{Info: d.Info.Clone(), Source: d.Source}
}

// StoragePaths is the directory triple a data set passes through. It is
// computed once by Prepare.
type StoragePaths struct {
	StagingDir   string `json:"staging_dir"`
	StoreDir     string `json:"store_dir"`
	PrecommitDir string `json:"precommit_dir"`
}

// RegistrationInfo is the metadata sent to the application server for one
// data set.
type RegistrationInfo struct {
	Code         string            `json:"code"`
	Type         string            `json:"type"`
	ExperimentID string            `json:"experiment_id,omitempty"`
	SampleID     string            `json:"sample_id,omitempty"`
	ShareID      string            `json:"share_id"`
	ParentCodes  []string          `json:"parent_codes,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`

	// Location is the store directory relative to the store root.
	Location string `json:"location"`

	RegistrationTimestamp time.Time `json:"registration_timestamp"`
}

// OperationStatus is what the application server knows about a registration
// id.
type OperationStatus int

const (
	// StatusInProgress means the operation is still running.
	StatusInProgress OperationStatus = iota

	// StatusNoOperation means nothing was recorded for the id.
	StatusNoOperation

	// StatusSucceeded means the metadata is durably registered.
	StatusSucceeded
)

func (s OperationStatus) String() string {
	switch s {
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusNoOperation:
		return "NO_OPERATION"
	case StatusSucceeded:
		return "OPERATION_SUCCEEDED"
	default:
		return "UNKNOWN"
	}
}

// Stage is the pipeline position recorded in a recovery checkpoint.
type Stage string

const (
	StagePrecommitted                 Stage = "precommitted"
	StagePostRegistrationHookExecuted Stage = "post_registration_hook_executed"
	StageStored                       Stage = "stored"
)

// DataSetSnapshot is the recoverable part of one StorageAlgorithm.
type DataSetSnapshot struct {
	Details             DataSetRegistrationDetails `json:"details"`
	Paths               StoragePaths               `json:"paths"`
	State               State                      `json:"state"`
	StoredDataDirectory string                     `json:"stored_data_directory"`
}

// Checkpoint is the serialized progress of one batch.
type Checkpoint struct {
	Stage           Stage               `json:"stage"`
	RegistrationID  string              `json:"registration_id"`
	DropboxName     string              `json:"dropbox"`
	Incoming        IncomingDataSetFile `json:"incoming"`
	RollbackStackID string              `json:"rollback_stack_id"`
	DataSets        []DataSetSnapshot   `json:"data_sets"`
	Context         map[string]any      `json:"context,omitempty"`
	TryCount        int                 `json:"try_count"`
	LastTry         time.Time           `json:"last_try"`
}

// RegistrationContext is a persistent key/value map carried across retries
// of the process function. Safe for concurrent use.
type RegistrationContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewRegistrationContext creates an empty context.
func NewRegistrationContext() *RegistrationContext {
	return &RegistrationContext{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (c *RegistrationContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Put stores value under key.
func (c *RegistrationContext) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Delete removes key.
func (c *RegistrationContext) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// Snapshot returns a shallow copy of the map.
func (c *RegistrationContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the map.
func (c *RegistrationContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

// UnmarshalJSON replaces the map content.
func (c *RegistrationContext) UnmarshalJSON(data []byte) error {
	values := make(map[string]any)
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = values
	return nil
}

func restoreRegistrationContext(values map[string]any) *RegistrationContext {
	ctx := NewRegistrationContext()
	for k, v := range values {
		ctx.values[k] = v
	}
	return ctx
}
