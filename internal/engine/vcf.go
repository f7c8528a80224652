package engine

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/formats"
)

// Contact columns, in CSV order.
var contactColumns = []string{"Full Name", "Last Name", "First Name", "Phone", "Email", "Organization"}

// Contact is one vCard reduced to the exported columns.
type Contact map[string]string

// VCardEngine exports vCard contacts as CSV or JSON.
func VCardEngine() *Engine {
	return &Engine{
		ID:          "vcf",
		Name:        "vCard",
		Description: "Contact export from vCard files",
		Conversions: map[string][]string{
			"vcf": {"csv", "json"},
		},
		Converter: ConverterFunc(convertVCard),
	}
}

func convertVCard(ctx context.Context, req Request) error {
	in, err := os.Open(req.InputPath)
	if err != nil {
		return domain.IOError("failed to open input", err)
	}
	defer in.Close()

	contacts, err := ParseVCard(in)
	if err != nil {
		return domain.ConversionError("failed to parse vCard", err)
	}

	out, err := os.Create(req.OutputPath)
	if err != nil {
		return domain.IOError("failed to create output file", err)
	}
	defer out.Close()

	switch formats.Normalize(req.To) {
	case "csv":
		err = writeContactsCSV(out, contacts)
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		err = enc.Encode(contacts)
	default:
		return domain.UnsupportedConversionError("vcf", req.From, req.To, nil)
	}
	if err != nil {
		return domain.IOError("failed to write output", err)
	}
	return out.Close()
}

// ParseVCard reads every BEGIN:VCARD..END:VCARD block. Cards without any of
// the exported properties are skipped. Folded lines are joined first.
func ParseVCard(r io.Reader) ([]Contact, error) {
	lines, err := unfoldLines(r)
	if err != nil {
		return nil, err
	}

	contacts := []Contact{}
	var current Contact
	for _, line := range lines {
		upper := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case upper == "BEGIN:VCARD":
			current = Contact{}
			continue
		case upper == "END:VCARD":
			if len(current) > 0 {
				contacts = append(contacts, current)
			}
			current = nil
			continue
		case current == nil:
			continue
		}

		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])

		// drop a group prefix such as "item1.EMAIL"
		if dot := strings.Index(key, "."); dot >= 0 && dot < strings.IndexAny(key+";", ";") {
			key = key[dot+1:]
		}

		switch {
		case key == "FN":
			current["Full Name"] = value
		case key == "N":
			parts := strings.Split(value, ";")
			current["Last Name"] = parts[0]
			if len(parts) > 1 {
				current["First Name"] = parts[1]
			} else {
				current["First Name"] = ""
			}
		case strings.HasPrefix(key, "TEL"):
			current["Phone"] = value
		case strings.HasPrefix(key, "EMAIL"):
			current["Email"] = value
		case key == "ORG":
			current["Organization"] = strings.Split(value, ";")[0]
		}
	}
	return contacts, nil
}

func unfoldLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func writeContactsCSV(w io.Writer, contacts []Contact) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(contactColumns); err != nil {
		return err
	}
	for _, c := range contacts {
		row := make([]string, len(contactColumns))
		for i, col := range contactColumns {
			row[i] = c[col]
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
