package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/dropboxd/pkg/registrator"
)

// Registry manages all named resources: storage processors, registration
// programs, validators and dropboxes. It provides thread-safe registration
// and lookup.
//
// Programs and validators are registered as factories because every dropbox
// configures its own instance from an options map.
//
// Example usage:
//
//	reg := NewRegistry()
//	RegisterBuiltins(reg)
//	reg.RegisterStorageProcessor("local", fsProcessor)
//	reg.AddDropbox(&DropboxConfig{Name: "microscopy", StorageProcessor: "local", Program: "single-data-set"})
//
//	dropbox, _ := reg.GetDropbox("microscopy")
//	processor, _ := reg.GetStorageProcessorForDropbox("microscopy")
type Registry struct {
	mu         sync.RWMutex
	processors map[string]registrator.StorageProcessor
	programs   map[string]ProgramFactory
	validators map[string]ValidatorFactory
	dropboxes  map[string]*Dropbox
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[string]registrator.StorageProcessor),
		programs:   make(map[string]ProgramFactory),
		validators: make(map[string]ValidatorFactory),
		dropboxes:  make(map[string]*Dropbox),
	}
}

// RegisterStorageProcessor adds a named storage processor to the registry.
// Returns an error if a processor with the same name already exists.
func (r *Registry) RegisterStorageProcessor(name string, p registrator.StorageProcessor) error {
	if p == nil {
		return fmt.Errorf("cannot register nil storage processor")
	}
	if name == "" {
		return fmt.Errorf("cannot register storage processor with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.processors[name]; exists {
		return fmt.Errorf("storage processor %q already registered", name)
	}

	r.processors[name] = p
	return nil
}

// RegisterProgram adds a named program factory to the registry.
func (r *Registry) RegisterProgram(name string, factory ProgramFactory) error {
	if factory == nil {
		return fmt.Errorf("cannot register nil program")
	}
	if name == "" {
		return fmt.Errorf("cannot register program with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.programs[name]; exists {
		return fmt.Errorf("program %q already registered", name)
	}

	r.programs[name] = factory
	return nil
}

// RegisterValidator adds a named validator factory to the registry.
func (r *Registry) RegisterValidator(name string, factory ValidatorFactory) error {
	if factory == nil {
		return fmt.Errorf("cannot register nil validator")
	}
	if name == "" {
		return fmt.Errorf("cannot register validator with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.validators[name]; exists {
		return fmt.Errorf("validator %q already registered", name)
	}

	r.validators[name] = factory
	return nil
}

// AddDropbox validates and registers a dropbox.
//
// Returns an error if:
// - A dropbox with the same name already exists
// - Another dropbox watches the same incoming directory
// - The referenced storage processor, program or validators don't exist
func (r *Registry) AddDropbox(config *DropboxConfig) error {
	if config.Name == "" {
		return fmt.Errorf("cannot add dropbox with empty name")
	}
	if config.IncomingDir == "" {
		return fmt.Errorf("dropbox %q: incoming directory is required", config.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.dropboxes[config.Name]; exists {
		return fmt.Errorf("dropbox %q already exists", config.Name)
	}
	for _, other := range r.dropboxes {
		if other.IncomingDir == config.IncomingDir {
			return fmt.Errorf("dropbox %q: incoming directory %s is already watched by %q",
				config.Name, config.IncomingDir, other.Name)
		}
	}

	if _, exists := r.processors[config.StorageProcessor]; !exists {
		return fmt.Errorf("storage processor %q not found", config.StorageProcessor)
	}
	if _, exists := r.programs[config.Program.Type]; !exists {
		return fmt.Errorf("program %q not found", config.Program.Type)
	}
	for _, v := range config.Validators {
		if _, exists := r.validators[v.Type]; !exists {
			return fmt.Errorf("validator %q not found", v.Type)
		}
	}

	r.dropboxes[config.Name] = &Dropbox{
		Name:             config.Name,
		IncomingDir:      config.IncomingDir,
		StorageProcessor: config.StorageProcessor,
		Program:          config.Program,
		Validators:       append([]PluginConfig(nil), config.Validators...),
	}
	return nil
}

// RemoveDropbox removes a dropbox from the registry.
// Note: This does NOT touch the storage processor, as it may be used by other dropboxes.
func (r *Registry) RemoveDropbox(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.dropboxes[name]; !exists {
		return fmt.Errorf("dropbox %q not found", name)
	}

	delete(r.dropboxes, name)
	return nil
}

// GetDropbox retrieves a dropbox by name.
func (r *Registry) GetDropbox(name string) (*Dropbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.dropboxes[name]
	if !exists {
		return nil, fmt.Errorf("dropbox %q not found", name)
	}
	return d, nil
}

// GetStorageProcessor retrieves a storage processor by name.
func (r *Registry) GetStorageProcessor(name string) (registrator.StorageProcessor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.processors[name]
	if !exists {
		return nil, fmt.Errorf("storage processor %q not found", name)
	}
	return p, nil
}

// GetStorageProcessorForDropbox retrieves the storage processor used by the
// specified dropbox.
func (r *Registry) GetStorageProcessorForDropbox(dropboxName string) (registrator.StorageProcessor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.dropboxes[dropboxName]
	if !exists {
		return nil, fmt.Errorf("dropbox %q not found", dropboxName)
	}

	p, exists := r.processors[d.StorageProcessor]
	if !exists {
		return nil, fmt.Errorf("storage processor %q not found for dropbox %q", d.StorageProcessor, dropboxName)
	}
	return p, nil
}

// NewProgram builds the program of the specified dropbox.
func (r *Registry) NewProgram(dropboxName string) (*Program, error) {
	r.mu.RLock()
	d, exists := r.dropboxes[dropboxName]
	var factory ProgramFactory
	if exists {
		factory = r.programs[d.Program.Type]
	}
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("dropbox %q not found", dropboxName)
	}
	if factory == nil {
		return nil, fmt.Errorf("program %q not found for dropbox %q", d.Program.Type, dropboxName)
	}

	program, err := factory(d.Program.Options)
	if err != nil {
		return nil, fmt.Errorf("dropbox %q: program %q: %w", dropboxName, d.Program.Type, err)
	}
	if program == nil || program.Process == nil {
		return nil, fmt.Errorf("dropbox %q: program %q has no process function", dropboxName, d.Program.Type)
	}
	return program, nil
}

// NewValidators builds the validators of the specified dropbox, in
// configuration order.
func (r *Registry) NewValidators(dropboxName string) ([]registrator.Validator, error) {
	r.mu.RLock()
	d, exists := r.dropboxes[dropboxName]
	factories := make([]ValidatorFactory, 0)
	if exists {
		for _, v := range d.Validators {
			factories = append(factories, r.validators[v.Type])
		}
	}
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("dropbox %q not found", dropboxName)
	}

	validators := make([]registrator.Validator, 0, len(factories))
	for i, factory := range factories {
		cfg := d.Validators[i]
		if factory == nil {
			return nil, fmt.Errorf("validator %q not found for dropbox %q", cfg.Type, dropboxName)
		}
		v, err := factory(cfg.Options)
		if err != nil {
			return nil, fmt.Errorf("dropbox %q: validator %q: %w", dropboxName, cfg.Type, err)
		}
		validators = append(validators, v)
	}
	return validators, nil
}

// ListDropboxes returns all registered dropbox names, sorted.
func (r *Registry) ListDropboxes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.dropboxes)
}

// ListStorageProcessors returns all registered storage processor names, sorted.
func (r *Registry) ListStorageProcessors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.processors)
}

// ListPrograms returns all registered program names, sorted.
func (r *Registry) ListPrograms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.programs)
}

// ListValidators returns all registered validator names, sorted.
func (r *Registry) ListValidators() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.validators)
}

// ListDropboxesUsingStorageProcessor returns all dropboxes that use the
// specified storage processor.
func (r *Registry) ListDropboxesUsingStorageProcessor(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for _, d := range r.dropboxes {
		if d.StorageProcessor == name {
			names = append(names, d.Name)
		}
	}
	sort.Strings(names)
	return names
}

// CountDropboxes returns the number of registered dropboxes.
func (r *Registry) CountDropboxes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dropboxes)
}

// CountStorageProcessors returns the number of registered storage processors.
func (r *Registry) CountStorageProcessors() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.processors)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
