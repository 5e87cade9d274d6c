package discovery

import (
	"fmt"
	"strconv"
	"strings"
)

// TXT record keys.
const (
	TXTKeyAPI      = "api"
	TXTKeyHubID    = "id"
	TXTKeyTCPPort  = "tcp"
	TXTKeyHTTPPort = "http"
	TXTKeyTLS      = "tls"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeHubTXT creates the TXT records of a hub.
func EncodeHubTXT(info *HubInfo) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyAPI: info.APIVersion,
		TXTKeyTLS: "0",
	}
	if info.TLS {
		txt[TXTKeyTLS] = "1"
	}
	if info.HubID != "" {
		txt[TXTKeyHubID] = info.HubID
	}
	if info.TCPPort != 0 {
		txt[TXTKeyTCPPort] = itoa(uint64(info.TCPPort))
	}
	if info.HTTPPort != 0 {
		txt[TXTKeyHTTPPort] = itoa(uint64(info.HTTPPort))
	}
	return txt
}

// DecodeHubTXT parses the TXT records of a hub.
func DecodeHubTXT(txt TXTRecordMap) (*HubInfo, error) {
	info := &HubInfo{HubID: txt[TXTKeyHubID]}

	var ok bool
	if info.APIVersion, ok = txt[TXTKeyAPI]; !ok || info.APIVersion == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyAPI)
	}

	var err error
	if info.TCPPort, err = parsePort(txt, TXTKeyTCPPort); err != nil {
		return nil, err
	}
	if info.HTTPPort, err = parsePort(txt, TXTKeyHTTPPort); err != nil {
		return nil, err
	}
	if info.TCPPort == 0 && info.HTTPPort == 0 {
		return nil, fmt.Errorf("%w: %s or %s", ErrMissingRequired, TXTKeyTCPPort, TXTKeyHTTPPort)
	}

	switch txt[TXTKeyTLS] {
	case "", "0":
	case "1":
		info.TLS = true
	default:
		return nil, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyTLS, txt[TXTKeyTLS])
	}
	return info, nil
}

func parsePort(txt TXTRecordMap, key string) (uint16, error) {
	s, ok := txt[key]
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, key, s)
	}
	return uint16(n), nil
}

func itoa(n uint64) string {
	return strconv.FormatUint(n, 10)
}

// TXTRecordsToStrings converts a TXTRecordMap to "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, _ := strings.Cut(s, "=")
		if k != "" {
			txt[k] = v
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
