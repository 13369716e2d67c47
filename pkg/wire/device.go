package wire

import (
	"bytes"
	"encoding/json"
)

// Feature names declared by wallets.
const (
	FeatureSendTransaction = "SendTransaction"
	FeatureSignData        = "SignData"
)

// legacyMaxMessages is implied by the bare "SendTransaction" string feature.
const legacyMaxMessages = 4

// DeviceInfo describes the wallet application.
type DeviceInfo struct {
	Platform           string    `json:"platform"`
	AppName            string    `json:"appName"`
	AppVersion         string    `json:"appVersion"`
	MaxProtocolVersion int       `json:"maxProtocolVersion"`
	Features           []Feature `json:"features"`
}

// Feature is one declared wallet capability. Wallets send either a bare
// string (legacy) or an object.
type Feature struct {
	Name string `json:"name"`
	// MaxMessages bounds the messages of one SendTransaction request.
	MaxMessages int `json:"maxMessages,omitempty"`
	// ExtraCurrencySupported reports extra currency support in transfers.
	ExtraCurrencySupported bool `json:"extraCurrencySupported,omitempty"`
	// Types lists the SignData payload types the wallet accepts.
	Types []SignDataType `json:"types,omitempty"`

	legacy bool
}

// UnmarshalJSON accepts both the legacy string and the object form.
func (f *Feature) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*f = Feature{Name: name, legacy: true}
		if name == FeatureSendTransaction {
			f.MaxMessages = legacyMaxMessages
		}
		return nil
	}

	type plain Feature
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*f = Feature(p)
	return nil
}

// Feature returns the named feature. When both the legacy string and the
// object form are declared the object form wins.
func (d DeviceInfo) Feature(name string) (Feature, bool) {
	var (
		found Feature
		ok    bool
	)
	for _, f := range d.Features {
		if f.Name != name {
			continue
		}
		if !ok || found.legacy {
			found, ok = f, true
		}
	}
	return found, ok
}

// SupportsSignDataType reports whether the wallet declares SignData support
// for the payload type.
func (d DeviceInfo) SupportsSignDataType(t SignDataType) bool {
	f, ok := d.Feature(FeatureSignData)
	if !ok {
		return false
	}
	for _, typ := range f.Types {
		if typ == t {
			return true
		}
	}
	return false
}
