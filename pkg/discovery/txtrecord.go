package discovery

import (
	"fmt"
	"sort"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeServerTXT creates TXT records for server discovery.
func EncodeServerTXT(info *ServerInfo) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyVersion:  TXTVersion,
		TXTKeyServerID: info.ID,
		TXTKeyALPN:     info.ALPN,
	}

	// Optional fields
	if info.MutualTLS {
		txt[TXTKeyMutualTLS] = "1"
	}
	if info.Name != "" {
		txt[TXTKeyName] = info.Name
	}

	return txt
}

// DecodeServerTXT parses TXT records from server discovery. Unknown keys
// are ignored.
func DecodeServerTXT(txt TXTRecordMap) (*ServerInfo, error) {
	if v, ok := txt[TXTKeyVersion]; ok && v != TXTVersion {
		return nil, fmt.Errorf("%w: unsupported txtvers %q", ErrInvalidTXTRecord, v)
	}

	info := &ServerInfo{}
	var ok bool

	info.ID, ok = txt[TXTKeyServerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyServerID)
	}
	if !ValidateID(info.ID) {
		return nil, fmt.Errorf("%w: invalid server id %q", ErrInvalidTXTRecord, info.ID)
	}

	info.ALPN, ok = txt[TXTKeyALPN]
	if !ok || info.ALPN == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyALPN)
	}

	switch txt[TXTKeyMutualTLS] {
	case "", "0":
	case "1":
		info.MutualTLS = true
	default:
		return nil, fmt.Errorf("%w: invalid %s %q", ErrInvalidTXTRecord, TXTKeyMutualTLS, txt[TXTKeyMutualTLS])
	}

	info.Name = txt[TXTKeyName]
	return info, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to a sorted slice of
// "key=value" strings, the format mDNS libraries use.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses a slice of "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		if found {
			txt[k] = v
		} else if k != "" {
			// Key without value (boolean flag)
			txt[k] = ""
		}
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
