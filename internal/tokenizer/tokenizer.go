// Package tokenizer maps raw PII values to deterministic, one-way tokens.
//
// Every supported resource type has a fixed normalization, a format check
// and a tokenization scheme. Tokenize is a pure function: the same input
// always yields the same token and nothing is stored.
package tokenizer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Resource type identifiers.
const (
	Aadhaar        = "aadhaar"
	PAN            = "pan"
	Account        = "account"
	IFSC           = "ifsc"
	CreditCard     = "creditcard"
	DebitCard      = "debitcard"
	GST            = "gst"
	ITForm16       = "itform16"
	UPI            = "upi"
	Passport       = "passport"
	DrivingLicense = "drivinglicense"
)

// Scheme names the one-way function applied to the prefixed value.
type Scheme string

const (
	SchemeSHA3     Scheme = "sha3-256"
	SchemeBLAKE2   Scheme = "blake2b-160"
	SchemeUUID5    Scheme = "uuid5-dns"
	SchemePermuted Scheme = "permuted-sha3"
)

// permutationSeed is appended to the reversed input by SchemePermuted.
const permutationSeed = "7"

// ErrUnsupportedResource is returned for resource types outside the table.
var ErrUnsupportedResource = errors.New("unsupported resource type")

// ValidationError reports a raw value that does not match its resource format.
type ValidationError struct {
	Resource string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Resource, e.Reason)
}

type rule struct {
	normalize func(string) string
	valid     func(string) bool
	reason    string
	material  func(string) string
	scheme    Scheme
}

var (
	reAadhaar  = regexp.MustCompile(`^[0-9]{12}$`)
	rePAN      = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)
	reAccount  = regexp.MustCompile(`^[0-9]{9,18}$`)
	reIFSC     = regexp.MustCompile(`^[A-Z]{4}0[A-Z0-9]{6}$`)
	reCard     = regexp.MustCompile(`^[0-9]{16}$`)
	reGST      = regexp.MustCompile(`^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][A-Z0-9]Z[A-Z0-9]$`)
	rePassport = regexp.MustCompile(`^[A-Z][0-9]{7}$`)
	reDL       = regexp.MustCompile(`^[A-Z]{2}[0-9]{13}$`)
)

var rules = map[string]rule{
	Aadhaar: {
		normalize: strings.TrimSpace,
		valid:     reAadhaar.MatchString,
		reason:    "must be exactly 12 digits",
		material:  func(v string) string { return "aadhaar-" + v },
		scheme:    SchemeBLAKE2,
	},
	PAN: {
		normalize: upper,
		valid:     rePAN.MatchString,
		reason:    "must be 5 letters, 4 digits and 1 letter",
		material:  func(v string) string { return "pan|" + v },
		scheme:    SchemeSHA3,
	},
	Account: {
		normalize: strings.TrimSpace,
		valid:     reAccount.MatchString,
		reason:    "must be 9 to 18 digits",
		material:  func(v string) string { return "account#" + v },
		scheme:    SchemePermuted,
	},
	IFSC: {
		normalize: upper,
		valid:     reIFSC.MatchString,
		reason:    "must be 4 letters, '0' and 6 alphanumerics",
		material:  func(v string) string { return "ifsc_" + v },
		scheme:    SchemeUUID5,
	},
	CreditCard: {
		normalize: stripSpaces,
		valid:     reCard.MatchString,
		reason:    "must be 16 digits",
		material:  func(v string) string { return "credit-" + reverse(v) },
		scheme:    SchemeSHA3,
	},
	DebitCard: {
		normalize: stripSpaces,
		valid:     reCard.MatchString,
		reason:    "must be 16 digits",
		material:  func(v string) string { return "debit" + v },
		scheme:    SchemeBLAKE2,
	},
	GST: {
		normalize: upper,
		valid:     reGST.MatchString,
		reason:    "must be a 15 character GSTIN",
		material:  func(v string) string { return "gst*" + v },
		scheme:    SchemeSHA3,
	},
	ITForm16: {
		normalize: strings.TrimSpace,
		valid:     func(v string) bool { return v != "" },
		reason:    "must not be empty",
		material:  func(v string) string { return "it16:" + v },
		scheme:    SchemeUUID5,
	},
	UPI: {
		normalize: func(v string) string { return strings.ToLower(strings.TrimSpace(v)) },
		valid:     validUPI,
		reason:    "must be handle@provider",
		material:  func(v string) string { return "upi|" + v },
		scheme:    SchemeBLAKE2,
	},
	Passport: {
		normalize: upper,
		valid:     rePassport.MatchString,
		reason:    "must be 1 letter followed by 7 digits",
		material:  func(v string) string { return "passport" + reverse(v) },
		scheme:    SchemeSHA3,
	},
	DrivingLicense: {
		normalize: upper,
		valid:     reDL.MatchString,
		reason:    "must be 2 letters followed by 13 digits",
		material:  func(v string) string { return v + "#dl" },
		scheme:    SchemePermuted,
	},
}

// NormalizeResource canonicalizes a resource type identifier.
func NormalizeResource(resource string) string {
	return strings.ToLower(strings.TrimSpace(resource))
}

// Supported reports whether the resource type has a tokenization rule.
func Supported(resource string) bool {
	_, ok := rules[NormalizeResource(resource)]
	return ok
}

// SchemeFor returns the scheme bound to a resource type.
func SchemeFor(resource string) (Scheme, bool) {
	r, ok := rules[NormalizeResource(resource)]
	return r.scheme, ok
}

// Resources lists the supported resource types in sorted order.
func Resources() []string {
	out := make([]string, 0, len(rules))
	for k := range rules {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate normalizes raw and checks it against the resource format. The
// normalized value is returned on success.
func Validate(resource, raw string) (string, error) {
	resource = NormalizeResource(resource)
	r, ok := rules[resource]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedResource, resource)
	}
	v := r.normalize(raw)
	if !r.valid(v) {
		return "", &ValidationError{Resource: resource, Reason: r.reason}
	}
	return v, nil
}

// Tokenize validates raw and returns its deterministic token.
func Tokenize(resource, raw string) (string, error) {
	v, err := Validate(resource, raw)
	if err != nil {
		return "", err
	}
	r := rules[NormalizeResource(resource)]
	return apply(r.scheme, r.material(v)), nil
}

func apply(s Scheme, data string) string {
	switch s {
	case SchemeBLAKE2:
		return blake2Hex(data)
	case SchemeUUID5:
		return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(data)).String()
	case SchemePermuted:
		return sha3Hex(reverse(data) + permutationSeed)
	default:
		return sha3Hex(data)
	}
}

func sha3Hex(data string) string {
	sum := sha3.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func blake2Hex(data string) string {
	// New only fails for a bad size or an oversized key.
	h, _ := blake2b.New(20, nil)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func upper(v string) string { return strings.ToUpper(strings.TrimSpace(v)) }

func stripSpaces(v string) string {
	return strings.ReplaceAll(strings.TrimSpace(v), " ", "")
}

func reverse(s string) string {
	rs := []rune(s)
	for i, j := 0, len(rs)-1; i < j; i, j = i+1, j-1 {
		rs[i], rs[j] = rs[j], rs[i]
	}
	return string(rs)
}

func validUPI(v string) bool {
	parts := strings.Split(v, "@")
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}
