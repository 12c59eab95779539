package registry

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"

	"github.com/Meander-Cloud/go-lanemu/metrics"
)

const (
	// every literal version token starts with this byte
	DefaultScanAnchor byte = 'P'
	versionDigits     int  = 3
	maxTokenLen       int  = 64
)

type Options struct {
	// literal ABI version token -> canonical catalogue key
	Aliases    map[string]string
	ScanAnchor byte

	Metrics   *metrics.Metrics
	LogPrefix string
	LogDebug  bool
}

// Registry is populated once at startup and read afterwards; resolution
// updates the per-category selection and is safe from any goroutine.
type Registry struct {
	options *Options
	dummy   *Interface

	mutex     sync.RWMutex
	ledger    []*Interface // insertion order, resolution fallback order
	nameTable map[string]*Interface
	selection map[Category]*Interface
}

func NewRegistry(options *Options) *Registry {
	if options.Aliases == nil {
		options.Aliases = map[string]string{}
	}
	if options.ScanAnchor == 0 {
		options.ScanAnchor = DefaultScanAnchor
	}
	if options.Metrics == nil {
		options.Metrics = metrics.New()
	}

	r := &Registry{
		options: options,
		dummy:   newDummy(options.LogPrefix),

		mutex:     sync.RWMutex{},
		ledger:    nil,
		nameTable: make(map[string]*Interface),
		selection: make(map[Category]*Interface),
	}

	return r
}

// Register must be called in ascending version order per category, the
// ledger order decides which version a bare category lookup substitutes.
func (r *Registry) Register(category Category, name string, methods Methods) *Interface {
	impl := newInterface(category, name, methods, r.options.LogPrefix)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	replaced := false
	for index, cached := range r.ledger {
		if cached.Category == category && cached.Name == name {
			log.Printf("%s: %s<%s> re-registered, overriding ledger entry", r.options.LogPrefix, name, category)
			r.ledger[index] = impl
			replaced = true
			break
		}
	}
	if !replaced {
		r.ledger = append(r.ledger, impl)
	}

	cached, found := r.nameTable[name]
	if found && cached.Category != category {
		log.Printf("%s: %s moved from category<%s> to category<%s>", r.options.LogPrefix, name, cached.Category, category)
	}
	r.nameTable[name] = impl

	// keep a selection pointing at the newest binding of the same name
	selected, found := r.selection[category]
	if found && selected.Name == name {
		r.selection[category] = impl
	}

	if r.options.LogDebug {
		log.Printf("%s: registered %s<%s>, ledger size %d", r.options.LogPrefix, name, category, len(r.ledger))
	}

	return impl
}

func (r *Registry) Canonical(name string) string {
	canonical, found := r.options.Aliases[name]
	if found {
		return canonical
	}
	return name
}

func (r *Registry) ResolveByName(name string) *Interface {
	canonical := r.Canonical(name)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	impl, found := r.nameTable[canonical]
	if !found {
		r.options.Metrics.ResolveMiss.Inc()
		log.Printf("%s: interface %s (canonical %s) not found, returning dummy", r.options.LogPrefix, name, canonical)
		return r.dummy
	}

	r.selection[impl.Category] = impl
	if r.options.LogDebug {
		log.Printf("%s: resolved %s -> %s<%s>", r.options.LogPrefix, name, impl.Name, impl.Category)
	}

	return impl
}

func (r *Registry) ResolveByCategory(category Category) *Interface {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	impl, found := r.selection[category]
	if found {
		return impl
	}

	for _, candidate := range r.ledger {
		if candidate.Category != category {
			continue
		}

		r.selection[category] = candidate
		r.options.Metrics.ResolveSubstituted.Inc()
		log.Printf("%s: no version requested for category<%s>, substituted %s", r.options.LogPrefix, category, candidate.Name)
		return candidate
	}

	r.options.Metrics.ResolveMiss.Inc()
	log.Printf("%s: no interface registered for category<%s>, returning dummy", r.options.LogPrefix, category)
	return r.dummy
}

func (r *Registry) Selected(category Category) (*Interface, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	impl, found := r.selection[category]
	return impl, found
}

func (r *Registry) Registered(name string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	_, found := r.nameTable[r.Canonical(name)]
	return found
}

func (r *Registry) Dummy() *Interface {
	return r.dummy
}

// GetInterfaceVersion parses the trailing three digits of the selected name.
func (r *Registry) GetInterfaceVersion(category Category) int {
	impl, found := r.Selected(category)
	if !found {
		return 0
	}

	version, err := parseVersion(impl.Name)
	if err != nil {
		log.Printf("%s: %s", r.options.LogPrefix, err.Error())
		return 0
	}

	return version
}

func parseVersion(name string) (int, error) {
	if len(name) < versionDigits {
		return 0, fmt.Errorf("name=%s too short for version suffix", name)
	}

	suffix := name[len(name)-versionDigits:]
	for i := 0; i < len(suffix); i++ {
		if suffix[i] < '0' || suffix[i] > '9' {
			return 0, fmt.Errorf("name=%s has no numeric version suffix", name)
		}
	}

	version, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, fmt.Errorf("name=%s, failed to parse version suffix, err=%w", name, err)
	}

	return version, nil
}

// ScanBinaryForInterfaces looks for literal version tokens in the file at
// path and resolves every known one, so category lookups later pick the
// versions the binary was built against.
func (r *Registry) ScanBinaryForInterfaces(path string) bool {
	buf, err := os.ReadFile(path)
	if err != nil {
		log.Printf("%s: failed to read binary path=%s, err=%s", r.options.LogPrefix, path, err.Error())
		return false
	}

	matched := 0
	anchor := r.options.ScanAnchor
	for i := 0; i < len(buf); i++ {
		if buf[i] != anchor {
			continue
		}

		end := i + 1
		for end < len(buf) && end-i < maxTokenLen && isTokenByte(buf[end]) {
			end++
		}

		token := string(buf[i:end])
		if !r.known(token) {
			continue
		}

		impl := r.ResolveByName(token)
		if !impl.IsDummy() {
			matched++
		}
		i = end - 1
	}

	log.Printf("%s: scanned %d bytes in %s, %d interface versions matched", r.options.LogPrefix, len(buf), path, matched)

	return matched > 0
}

func (r *Registry) known(token string) bool {
	_, found := r.options.Aliases[token]
	if found {
		return true
	}

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	_, found = r.nameTable[token]
	return found
}

func isTokenByte(b byte) bool {
	return (b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9') ||
		b == '_'
}
