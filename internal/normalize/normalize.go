// Package normalize maps heterogeneous provider payloads onto
// model.NormalizedRecord.
//
// Providers disagree on field names (simLock, simLockStatus, locked, ...) and
// on nesting (properties, result, data). Each target field has an ordered list
// of candidate keys; the first present value wins. The lookup tables below are
// the only place provider naming is encoded.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/akl7777777/imei-intel/internal/model"
)

// ErrMalformedPayload is returned when the payload is not a JSON object.
var ErrMalformedPayload = errors.New("provider payload is not an object")

// scopes are searched in order; the root object is always last.
var scopes = []string{"properties", "result", "data", "object"}

// Candidate keys per target field, most specific first.
var (
	brandKeys       = []string{"brand", "manufacturer", "make"}
	modelKeys       = []string{"deviceName", "modelName", "model", "model_name", "modelDesc"}
	modelNumberKeys = []string{"modelNumber", "model_number", "modelNo", "modelCode", "model_code"}
	serialKeys      = []string{"serial", "serialNumber", "serial_number", "sn"}
	storageKeys     = []string{"storage", "capacity", "memory"}
	colorKeys       = []string{"color", "colour", "deviceColor"}

	carrierKeys = []string{"carrier", "network", "lockedCarrier", "simLockCarrier", "operator", "purchaseCarrier"}
	simLockKeys = []string{"simLock", "simLockStatus", "sim_lock", "locked", "carrierLock"}
	netTypeKeys = []string{"networkType", "network_type", "technology"}
	countryKeys = []string{"country", "purchaseCountry", "purchase_country", "soldCountry"}

	blacklistKeys       = []string{"blacklistStatus", "blacklist", "gsmaBlacklisted", "blacklisted", "usaBlockStatus"}
	blacklistReasonKeys = []string{"blacklistReason", "blacklist_reason", "blacklistRecords", "reason"}
	findMyKeys          = []string{"fmiOn", "fmi", "findMyiPhone", "findMy", "find_my", "fmiStatus"}
	activationLockKeys  = []string{"activationLock", "activation_lock", "iCloudLock", "icloudLock", "icloudStatus"}
	mdmKeys             = []string{"mdm", "mdmStatus", "mdmLock", "mdm_lock"}
	replacedKeys        = []string{"replaced", "replacement", "isReplaced", "replacedDevice"}
	refurbishedKeys     = []string{"refurbished", "isRefurbished", "refurbishedDevice"}

	manufactureDateKeys = []string{"manufactureDate", "manufacturingDate", "manufacture_date", "productionDate"}
	factoryKeys         = []string{"factory", "manufacturer_factory", "productionFactory"}
	regionKeys          = []string{"region", "salesRegion", "sales_region", "purchaseRegion"}

	warrantyStatusKeys  = []string{"warrantyStatus", "warranty_status", "warranty", "coverageStatus"}
	purchaseDateKeys    = []string{"purchaseDate", "estPurchaseDate", "estimatedPurchaseDate", "purchase_date"}
	coverageTypeKeys    = []string{"coverageType", "coverage_type", "coverage", "appleCare"}
	warrantyExpiresKeys = []string{"warrantyExpiration", "coverageEndDate", "expiration", "warrantyExpires", "expiry"}
)

// statusRule maps recognised tokens to a field's two enum values.
type statusRule struct {
	negative string
	positive string
	extra    map[string]string
}

var (
	simLockRule   = statusRule{negative: model.SimUnlocked, positive: model.SimLocked}
	blacklistRule = statusRule{negative: model.BlacklistClean, positive: model.BlacklistBlacklisted}
	switchRule    = statusRule{negative: model.Off, positive: model.On}
	warrantyRule  = statusRule{
		negative: model.WarrantyExpired,
		positive: model.WarrantyActive,
		extra: map[string]string{
			"expired":          model.WarrantyExpired,
			"out of warranty":  model.WarrantyExpired,
			"active":           model.WarrantyActive,
			"in warranty":      model.WarrantyActive,
			"limited warranty": model.WarrantyActive,
		},
	}
)

var (
	negativeTokens = map[string]bool{"unlocked": true, "off": true, "clean": true, "no": true, "false": true}
	positiveTokens = map[string]bool{"locked": true, "on": true, "blacklisted": true, "yes": true, "true": true}
)

func (r statusRule) apply(v any, ok bool) string {
	if !ok {
		return model.Unknown
	}
	switch t := v.(type) {
	case bool:
		if t {
			return r.positive
		}
		return r.negative
	case float64:
		if t == 0 {
			return r.negative
		}
		return r.positive
	}
	s := strings.TrimSpace(stringify(v))
	if s == "" {
		return model.Unknown
	}
	token := strings.ToLower(s)
	if mapped, ok := r.extra[token]; ok {
		return mapped
	}
	switch {
	case negativeTokens[token]:
		return r.negative
	case positiveTokens[token]:
		return r.positive
	}
	return s
}

var (
	storagePattern = regexp.MustCompile(`(?i)\d+\s*(GB|TB)`)
	colorPalette   = []string{
		"Space Gray", "Space Grey", "Space Black", "Midnight Green", "Pacific Blue", "Sierra Blue",
		"Alpine Green", "Deep Purple", "Natural Titanium", "Blue Titanium", "White Titanium", "Black Titanium",
		"Rose Gold", "Jet Black", "Starlight", "Midnight", "Graphite",
		"Black", "White", "Silver", "Gold", "Red", "Blue", "Green", "Purple", "Yellow", "Pink", "Coral", "Gray", "Grey",
	}
)

// Normalize turns a raw provider payload into a fully-populated record.
// raw may be a decoded map or JSON bytes. Any object yields a record; only a
// non-object payload is an error.
func Normalize(raw any, identifier string, mode model.Mode) (model.NormalizedRecord, error) {
	obj, err := asObject(raw)
	if err != nil {
		return model.NormalizedRecord{}, err
	}
	p := newPayload(obj)

	rec := model.NormalizedRecord{
		Identifier: identifier,
		Mode:       mode,
	}

	modelName := p.str(modelKeys)
	rec.Device = model.Device{
		Brand:       p.strOr(brandKeys, inferBrand(deref(modelName))),
		Model:       modelName,
		ModelNumber: p.str(modelNumberKeys),
		Serial:      p.str(serialKeys),
		Storage:     firstNonNil(p.str(storageKeys), extractStorage(deref(modelName))),
		Color:       firstNonNil(p.str(colorKeys), extractColor(deref(modelName))),
	}

	rec.Network = model.Network{
		Carrier: p.str(carrierKeys),
		SimLock: simLockRule.apply(p.get(simLockKeys)),
		Type:    p.str(netTypeKeys),
		Country: p.str(countryKeys),
	}

	rec.Security = model.Security{
		Blacklist:       blacklistRule.apply(p.get(blacklistKeys)),
		BlacklistReason: p.str(blacklistReasonKeys),
		FindMy:          switchRule.apply(p.get(findMyKeys)),
		ActivationLock:  switchRule.apply(p.get(activationLockKeys)),
		MDM:             switchRule.apply(p.get(mdmKeys)),
		Replaced:        p.boolean(replacedKeys),
		Refurbished:     p.boolean(refurbishedKeys),
	}

	rec.Origin = model.Origin{
		ManufactureDate: p.str(manufactureDateKeys),
		Factory:         p.str(factoryKeys),
		Region:          p.str(regionKeys),
	}

	rec.Warranty = model.Warranty{
		Status:       warrantyRule.apply(p.get(warrantyStatusKeys)),
		PurchaseDate: p.str(purchaseDateKeys),
		CoverageType: p.str(coverageTypeKeys),
		Expiration:   p.str(warrantyExpiresKeys),
	}

	return rec, nil
}

func asObject(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case json.RawMessage:
		return decodeObject(v)
	case []byte:
		return decodeObject(v)
	case string:
		return decodeObject([]byte(v))
	case nil:
		return nil, ErrMalformedPayload
	default:
		return nil, fmt.Errorf("%w: got %T", ErrMalformedPayload, raw)
	}
}

func decodeObject(b []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err != nil || obj == nil {
		return nil, ErrMalformedPayload
	}
	return obj, nil
}

// payload is an ordered list of objects to probe.
type payload []map[string]any

func newPayload(root map[string]any) payload {
	p := make(payload, 0, len(scopes)+1)
	for _, s := range scopes {
		if nested, ok := root[s].(map[string]any); ok {
			p = append(p, nested)
		}
	}
	return append(p, root)
}

// get returns the first present, non-empty value for any of keys.
func (p payload) get(keys []string) (any, bool) {
	for _, obj := range p {
		for _, k := range keys {
			v, ok := obj[k]
			if !ok || v == nil {
				continue
			}
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			if _, isObj := v.(map[string]any); isObj {
				continue
			}
			return v, true
		}
	}
	return nil, false
}

func (p payload) str(keys []string) *string {
	v, ok := p.get(keys)
	if !ok {
		return nil
	}
	s := strings.TrimSpace(stringify(v))
	if s == "" {
		return nil
	}
	return &s
}

func (p payload) strOr(keys []string, def string) string {
	if s := p.str(keys); s != nil {
		return *s
	}
	return def
}

func (p payload) boolean(keys []string) *bool {
	v, ok := p.get(keys)
	if !ok {
		return nil
	}
	var b bool
	switch t := v.(type) {
	case bool:
		b = t
	case float64:
		b = t != 0
	default:
		token := strings.ToLower(strings.TrimSpace(stringify(v)))
		switch {
		case positiveTokens[token]:
			b = true
		case negativeTokens[token]:
			b = false
		default:
			return nil
		}
	}
	return &b
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s := stringify(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(t)
	}
}

func inferBrand(modelName string) string {
	m := strings.ToLower(modelName)
	switch {
	case strings.Contains(m, "iphone"), strings.Contains(m, "ipad"), strings.Contains(m, "apple"):
		return "Apple"
	case strings.Contains(m, "samsung"), strings.Contains(m, "galaxy"):
		return "Samsung"
	case strings.Contains(m, "pixel"):
		return "Google"
	}
	return model.Unknown
}

func extractStorage(modelName string) *string {
	m := storagePattern.FindString(modelName)
	if m == "" {
		return nil
	}
	s := strings.ToUpper(strings.ReplaceAll(m, " ", ""))
	return &s
}

func extractColor(modelName string) *string {
	lower := strings.ToLower(modelName)
	for _, c := range colorPalette {
		if strings.Contains(lower, strings.ToLower(c)) {
			color := c
			return &color
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonNil(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
