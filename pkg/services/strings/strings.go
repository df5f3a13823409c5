// Package strings provides a split-join Service applying a text transform to
// each split message payload.
package strings

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	stdstrings "strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wehubfusion/Hydra/pkg/message"
	"github.com/wehubfusion/Hydra/pkg/splitjoin"
)

// Operation names a payload transform
type Operation string

const (
	OpToUpper      Operation = "to_upper"
	OpToLower      Operation = "to_lower"
	OpTitleCase    Operation = "title_case"
	OpCapitalize   Operation = "capitalize"
	OpTrim         Operation = "trim"
	OpReplace      Operation = "replace"
	OpBase64Encode Operation = "base64_encode"
	OpBase64Decode Operation = "base64_decode"
	OpURIEncode    Operation = "uri_encode"
	OpURIDecode    Operation = "uri_decode"
)

// Params holds the operation arguments. Unused fields are ignored.
type Params struct {
	// Language is the BCP 47 tag used by case operations, "und" when empty
	Language string
	// Cutset for trim; whitespace when empty
	Cutset string
	// Old and New for replace; Old is a regular expression when UseRegex is set
	Old      string
	New      string
	UseRegex bool
	// Count limits replacements; zero or negative replaces all
	Count int
}

// MetadataOperation is stamped on every transformed message
const MetadataOperation = "strings-operation"

type transform func(s string) (string, error)

// Service transforms the payload of each message it executes.
// Casers are stateful, so a Service must not be shared between workers.
type Service struct {
	splitjoin.BaseService

	op Operation
	fn transform
}

// NewService compiles op with params
func NewService(op Operation, params Params) (*Service, error) {
	fn, err := compile(op, params)
	if err != nil {
		return nil, err
	}
	return &Service{op: op, fn: fn}, nil
}

// Factory returns a ServiceFactory creating one Service per worker.
// An invalid operation surfaces as a factory error when the pool creates a worker.
func Factory(op Operation, params Params) splitjoin.ServiceFactory {
	return func() (splitjoin.Service, error) {
		return NewService(op, params)
	}
}

// Operation returns the configured operation
func (s *Service) Operation() Operation {
	return s.op
}

// Execute implements splitjoin.Service
func (s *Service) Execute(ctx context.Context, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !utf8.Valid(msg.Payload) {
		return fmt.Errorf("%s: payload is not valid UTF-8", s.op)
	}

	out, err := s.fn(string(msg.Payload))
	if err != nil {
		return fmt.Errorf("%s failed: %w", s.op, err)
	}
	msg.WithStringPayload(out).WithMetadata(MetadataOperation, string(s.op))
	return nil
}

func compile(op Operation, p Params) (transform, error) {
	tag := language.Und
	if p.Language != "" {
		parsed, err := language.Parse(p.Language)
		if err != nil {
			return nil, fmt.Errorf("invalid language %q: %w", p.Language, err)
		}
		tag = parsed
	}

	switch op {
	case OpToUpper:
		caser := cases.Upper(tag)
		return func(s string) (string, error) { return caser.String(s), nil }, nil
	case OpToLower:
		caser := cases.Lower(tag)
		return func(s string) (string, error) { return caser.String(s), nil }, nil
	case OpTitleCase:
		caser := cases.Title(tag)
		return func(s string) (string, error) { return caser.String(s), nil }, nil
	case OpCapitalize:
		caser := cases.Upper(tag)
		return func(s string) (string, error) { return capitalize(caser, s), nil }, nil
	case OpTrim:
		cutset := p.Cutset
		return func(s string) (string, error) {
			if cutset == "" {
				return stdstrings.TrimSpace(s), nil
			}
			return stdstrings.Trim(s, cutset), nil
		}, nil
	case OpReplace:
		return compileReplace(p)
	case OpBase64Encode:
		return func(s string) (string, error) {
			return base64.StdEncoding.EncodeToString([]byte(s)), nil
		}, nil
	case OpBase64Decode:
		return func(s string) (string, error) {
			b, err := base64.StdEncoding.DecodeString(stdstrings.TrimSpace(s))
			if err != nil {
				return "", err
			}
			return string(b), nil
		}, nil
	case OpURIEncode:
		return func(s string) (string, error) { return url.QueryEscape(s), nil }, nil
	case OpURIDecode:
		return url.QueryUnescape, nil
	default:
		return nil, fmt.Errorf("unknown strings operation %q", op)
	}
}

func compileReplace(p Params) (transform, error) {
	if p.Old == "" {
		return nil, fmt.Errorf("replace requires a non-empty Old value")
	}
	count := p.Count
	if count <= 0 {
		count = -1
	}
	if !p.UseRegex {
		return func(s string) (string, error) {
			return stdstrings.Replace(s, p.Old, p.New, count), nil
		}, nil
	}

	re, err := regexp.Compile(p.Old)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", p.Old, err)
	}
	return func(s string) (string, error) {
		return replaceRegexCount(s, re, p.New, count), nil
	}, nil
}

// capitalize upper-cases the first rune only
func capitalize(caser cases.Caser, s string) string {
	if s == "" {
		return s
	}
	_, size := utf8.DecodeRuneInString(s)
	return caser.String(s[:size]) + s[size:]
}

// replaceRegexCount replaces at most count matches; negative count replaces all
func replaceRegexCount(s string, re *regexp.Regexp, replacement string, count int) string {
	if count < 0 {
		return re.ReplaceAllString(s, replacement)
	}
	idxs := re.FindAllStringIndex(s, count)
	if len(idxs) == 0 {
		return s
	}

	var out stdstrings.Builder
	last := 0
	for _, pair := range idxs {
		out.WriteString(s[last:pair[0]])
		out.WriteString(replacement)
		last = pair[1]
	}
	out.WriteString(s[last:])
	return out.String()
}
