// Package dynamo provides shared DynamoDB constants and key utilities.
//
// The separators and sort key suffix formats defined here are a storage
// contract shared with existing data and must not change.
package dynamo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Primary key attributes.
	AttrPK = "pk"
	AttrSK = "sk"

	// KeySeparator joins key segments, e.g. the pk and sk of an id.
	KeySeparator = "#"
	// VersionSeparator separates a base sort key from its version suffix.
	VersionSeparator = "@"
	// HistoryVersionMarker prefixes the zero-padded version of a history sort key.
	HistoryVersionMarker = "v"

	// MaxVersion is the largest version a history sort key can hold (10 digits).
	MaxVersion = 9999999999
)

// Table kinds. Each logical table is backed by one physical table per kind.
const (
	TableKindCommand = "command"
	TableKindData    = "data"
	TableKindHistory = "history"
)

// ErrInvalidSortKey is returned when a sort key carries no parseable version.
var ErrInvalidSortKey = errors.New("invalid versioned sort key")

// AddSortKeyVersion appends the command version suffix to a base sort key.
func AddSortKeyVersion(sk string, version int) string {
	return sk + VersionSeparator + strconv.Itoa(version)
}

// RemoveSortKeyVersion strips a trailing version suffix, if present.
func RemoveSortKeyVersion(sk string) string {
	i := strings.LastIndex(sk, VersionSeparator)
	if i < 0 {
		return sk
	}
	return sk[:i]
}

// ParseSortKeyVersion splits a command sort key into its base and version.
func ParseSortKeyVersion(sk string) (string, int, error) {
	i := strings.LastIndex(sk, VersionSeparator)
	if i < 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidSortKey, sk)
	}
	v, err := strconv.Atoi(sk[i+1:])
	if err != nil || v <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidSortKey, sk)
	}
	return sk[:i], v, nil
}

// HistorySortKey returns the history sort key for a base sort key and version.
// Version is zero-padded to 10 digits to keep lexicographic order.
func HistorySortKey(sk string, version int) string {
	return fmt.Sprintf("%s%s%s%010d", sk, VersionSeparator, HistoryVersionMarker, version)
}

// GenerateID returns the idempotency key for an entity identity.
func GenerateID(pk, sk string) string {
	return pk + KeySeparator + sk
}

// TableName returns the physical table name for a logical table and kind.
func TableName(prefix, table, kind string) string {
	return prefix + table + "-" + kind
}

// LogicalTableFromARN extracts the logical table name from a DynamoDB table or
// stream ARN of a command table, e.g.
// arn:aws:dynamodb:ap-southeast-2:123456789012:table/dev-orders-command/stream/2024-01-01T00:00:00.000
func LogicalTableFromARN(arn, prefix string) (string, error) {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return "", fmt.Errorf("not a table arn: %q", arn)
	}
	name, _, _ := strings.Cut(rest, "/")
	suffix := "-" + TableKindCommand
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return "", fmt.Errorf("not a command table: %q", name)
	}
	table := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	if table == "" {
		return "", fmt.Errorf("empty table name in %q", name)
	}
	return table, nil
}
