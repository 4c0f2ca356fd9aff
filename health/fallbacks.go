package health

import (
	"context"
	_ "embed"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-portal/config"
	"github.com/saiset-co/sai-portal/freshness"
	"github.com/saiset-co/sai-portal/locale"
	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

//go:embed fallbacks.yaml
var defaultFallbacks []byte

// Fallbacks holds the static payloads served per entity and locale while an
// upstream is unavailable. Payloads are kept as encoded JSON.
type Fallbacks struct {
	mu            sync.RWMutex
	defaultLocale string
	payloads      map[freshness.Entity]map[string][]byte
}

// NewFallbacks loads the built-in payloads and, if path is set, overlays
// the payloads from that file.
func NewFallbacks(ctx context.Context, defaultLocale, path string) (*Fallbacks, error) {
	f := &Fallbacks{
		defaultLocale: locale.Normalize(defaultLocale),
		payloads:      make(map[freshness.Entity]map[string][]byte),
	}

	if err := f.Load(defaultFallbacks); err != nil {
		return nil, types.WrapError(err, "load built-in fallbacks")
	}

	if path == "" {
		return f, nil
	}

	data, err := config.NewLoader().ReadFileWithTimeout(ctx, path)
	if err != nil {
		return nil, types.WrapError(err, "read fallbacks file")
	}
	if err := f.Load(data); err != nil {
		return nil, types.WrapError(err, "load fallbacks file")
	}

	return f, nil
}

// Load merges YAML payloads over the current set.
func (f *Fallbacks) Load(data []byte) error {
	var raw map[string]map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	parsed := make(map[freshness.Entity]map[string][]byte, len(raw))
	for name, locales := range raw {
		entity := freshness.Entity(name)
		if !entity.Valid() {
			return types.Errorf(types.ErrEntityUnknown, "%q", name)
		}

		parsed[entity] = make(map[string][]byte, len(locales))
		for loc, payload := range locales {
			if !locale.IsSupported(loc) {
				return types.Errorf(types.ErrInvalidParameter, "unsupported locale %q for %s", loc, name)
			}

			encoded, err := utils.Marshal(payload)
			if err != nil {
				return types.WrapError(err, "encode fallback "+name+"/"+loc)
			}
			parsed[entity][loc] = encoded
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for entity, locales := range parsed {
		if f.payloads[entity] == nil {
			f.payloads[entity] = make(map[string][]byte, len(locales))
		}
		for loc, payload := range locales {
			f.payloads[entity][loc] = payload
		}
	}

	return nil
}

// Payload returns the payload for entity in loc, falling through to the
// default locale.
func (f *Fallbacks) Payload(entity freshness.Entity, loc string) ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	locales := f.payloads[entity]
	if locales == nil {
		return nil, false
	}

	if payload, ok := locales[locale.NormalizeWith(loc, f.defaultLocale)]; ok {
		return payload, true
	}

	payload, ok := locales[f.defaultLocale]
	return payload, ok
}

func Decode[T any](f *Fallbacks, entity freshness.Entity, loc string) (T, error) {
	var value T

	if f == nil {
		return value, types.ErrFallbackNotFound
	}

	payload, ok := f.Payload(entity, loc)
	if !ok {
		return value, types.Errorf(types.ErrFallbackNotFound, "%s/%s", entity, loc)
	}

	if err := utils.Unmarshal(payload, &value); err != nil {
		return value, types.WrapError(err, "decode fallback")
	}

	return value, nil
}
