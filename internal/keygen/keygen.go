// Package keygen derives the normalized store's two key types: EntityKey,
// identifying a GraphQL object, and FieldKey, identifying one of its
// fields under a given set of arguments.
//
// Grounded on backend's domain/core/valueobjects package: small typed
// wrappers around a primitive with named constructors, rather than raw
// strings passed around ad hoc.
package keygen

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// EntityKey identifies a normalized entity as "Typename:id", or is one of
// the well-known root sentinels for operations with no parent entity.
type EntityKey string

// Well-known root sentinels. The store never links to these from outside
// the root selections of an operation.
const (
	RootQuery        EntityKey = "Query"
	RootMutation     EntityKey = "Mutation"
	RootSubscription EntityKey = "Subscription"
)

// FieldKey identifies a field slot within an entity: "fieldName" with no
// arguments, or "fieldName(<canonical-json-args>)".
type FieldKey string

// KeyingFunc derives the identifying value for a typename's instances. It
// receives the decoded object (already flattened to a string-keyed map)
// and returns the id fragment to use, or ("", false) to force embedding.
type KeyingFunc func(obj map[string]interface{}) (id string, ok bool)

// RootEntityKey returns the sentinel EntityKey for the given operation
// kind ("query", "mutation", "subscription").
func RootEntityKey(operationKind string) EntityKey {
	switch operationKind {
	case "mutation":
		return RootMutation
	case "subscription":
		return RootSubscription
	default:
		return RootQuery
	}
}

// RootTypename returns the literal root type name ("Query", "Mutation",
// "Subscription") an operation's top-level selections are read/written
// against - distinct from RootEntityKey, which returns the sentinel key
// rather than the typename string.
func RootTypename(operationKind string) string {
	switch operationKind {
	case "mutation":
		return "Mutation"
	case "subscription":
		return "Subscription"
	default:
		return "Query"
	}
}

// KeyOf derives the EntityKey for obj of the given typename. embedded is
// true when obj has no stable key and must be addressed via its parent's
// key plus field path instead.
//
// Resolution order: a user-supplied keying function for typename, else
// the object's "id" field, else "_id", else embedded. A
// keying function that returns ok=false forces embedding even if "id" is
// present.
func KeyOf(typename string, obj map[string]interface{}, keys map[string]KeyingFunc) (key EntityKey, embedded bool) {
	if typename == "" {
		return "", true
	}

	if fn, ok := keys[typename]; ok {
		id, ok := fn(obj)
		if !ok || id == "" {
			return "", true
		}
		return EntityKey(typename + ":" + id), false
	}

	if id, ok := scalarID(obj["id"]); ok {
		return EntityKey(typename + ":" + id), false
	}
	if id, ok := scalarID(obj["_id"]); ok {
		return EntityKey(typename + ":" + id), false
	}

	return "", true
}

// EmbeddedKey synthesizes a key for an embedded object from its parent's
// key and the field path that reached it. It is never a valid link
// target for anything outside the parent.
func EmbeddedKey(parent EntityKey, field FieldKey) EntityKey {
	return EntityKey(string(parent) + "." + string(field))
}

func scalarID(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return "", false
	}
}

// FieldKeyOf builds the FieldKey for fieldName given its bound arguments
// and the field's declared default values. Arguments equal to their
// declared default are omitted so that "posts(limit: 10)" and "posts()"
// canonicalize identically when 10 is the default.
func FieldKeyOf(fieldName string, args map[string]interface{}, defaults map[string]interface{}) FieldKey {
	if len(args) == 0 {
		return FieldKey(fieldName)
	}

	effective := make(map[string]interface{}, len(args))
	for k, v := range args {
		if d, ok := defaults[k]; ok && jsonEqual(v, d) {
			continue
		}
		effective[k] = v
	}
	if len(effective) == 0 {
		return FieldKey(fieldName)
	}

	return FieldKey(fieldName + "(" + canonicalJSON(effective) + ")")
}

// canonicalJSON serializes v with object keys sorted and deterministic
// number formatting, so the same logical arguments always produce the
// same FieldKey regardless of map iteration order.
func canonicalJSON(v interface{}) string {
	var buf []byte
	buf = appendCanonical(buf, v)
	return string(buf)
}

func appendCanonical(buf []byte, v interface{}) []byte {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = appendCanonical(buf, t[k])
		}
		buf = append(buf, '}')
		return buf
	case []interface{}:
		buf = append(buf, '[')
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, e)
		}
		buf = append(buf, ']')
		return buf
	case float64:
		return append(buf, []byte(strconv.FormatFloat(t, 'g', -1, 64))...)
	case json.Number:
		return append(buf, []byte(t.String())...)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return append(buf, []byte(fmt.Sprintf("%v", t))...)
		}
		return append(buf, b...)
	}
}

func jsonEqual(a, b interface{}) bool {
	return canonicalJSON(a) == canonicalJSON(b)
}
