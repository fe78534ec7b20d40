package cups

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/phin1x/go-ipp"

	"github.com/orrn/printsync/internal/core"
)

// CUPS printer-type bit set while a queue rejects jobs.
const printerTypeRejecting = 0x10000

var printerAttributeNames = []string{
	"printer-name",
	"printer-info",
	"printer-location",
	"printer-make-and-model",
	"printer-state",
	"printer-state-message",
	"printer-is-accepting-jobs",
	"printer-type",
	"device-uri",
}

type Printer struct {
	Name            string `json:"name"`
	Info            string `json:"info"`
	Location        string `json:"location"`
	MakeAndModel    string `json:"make_and_model"`
	State           int    `json:"state"`
	StateText       string `json:"state_text"`
	StateMessage    string `json:"state_message"`
	IsAcceptingJobs bool   `json:"is_accepting_jobs"`
	IsAvailable     bool   `json:"is_available"`
	DeviceURI       string `json:"device_uri"`
}

type Choice struct {
	Value string `json:"value"`
	Text  string `json:"text"`
}

type Option struct {
	Keyword string   `json:"keyword"`
	Text    string   `json:"text"`
	Default string   `json:"default"`
	Choices []Choice `json:"choices"`
}

type OptionGroup struct {
	Name    string   `json:"name"`
	Text    string   `json:"text"`
	Options []Option `json:"options"`
}

func printerStateText(state int) string {
	switch state {
	case 3:
		return "Idle"
	case 4:
		return "Printing"
	case 5:
		return "Stopped"
	default:
		return fmt.Sprintf("Unknown (%d)", state)
	}
}

func (c *Client) ListPrinters(ctx context.Context) ([]Printer, error) {
	raw, err := call(ctx, func() (map[string]ipp.Attributes, error) {
		return c.ipp.GetPrinters(printerAttributeNames)
	})
	if err != nil {
		return nil, classify(err)
	}

	printers := make([]Printer, 0, len(raw))
	for name, attrs := range raw {
		printers = append(printers, toPrinter(name, attrs))
	}
	sort.Slice(printers, func(i, j int) bool { return printers[i].Name < printers[j].Name })
	return printers, nil
}

func (c *Client) GetPrinter(ctx context.Context, name string) (*Printer, error) {
	printers, err := c.ListPrinters(ctx)
	if err != nil {
		return nil, err
	}
	for i := range printers {
		if printers[i].Name == name {
			return &printers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPrinterNotFound, name)
}

func toPrinter(name string, attrs ipp.Attributes) Printer {
	state, _ := intAttr(attrs, "printer-state")
	accepting, ok := boolAttr(attrs, "printer-is-accepting-jobs")
	if !ok {
		ptype, _ := intAttr(attrs, "printer-type")
		accepting = ptype&printerTypeRejecting == 0
	}

	return Printer{
		Name:            name,
		Info:            stringAttr(attrs, "printer-info"),
		Location:        stringAttr(attrs, "printer-location"),
		MakeAndModel:    stringAttr(attrs, "printer-make-and-model"),
		State:           state,
		StateText:       printerStateText(state),
		StateMessage:    stringAttr(attrs, "printer-state-message"),
		IsAcceptingJobs: accepting,
		IsAvailable:     accepting && state != 5,
		DeviceURI:       stringAttr(attrs, "device-uri"),
	}
}

type optionSpec struct {
	keyword string
	group   string
}

var optionSpecs = []optionSpec{
	{"media", "general"},
	{"sides", "general"},
	{"print-color-mode", "general"},
	{"print-quality", "quality"},
	{"number-up", "layout"},
	{"orientation-requested", "layout"},
}

var groupNames = map[string]string{
	"general": "General",
	"quality": "Print Quality",
	"layout":  "Page Layout",
}

var friendlyOptionNames = map[string]string{
	"media":                 "Paper Size",
	"sides":                 "Double-Sided Printing",
	"print-color-mode":      "Color Mode",
	"print-quality":         "Print Quality",
	"number-up":             "Pages per Sheet",
	"orientation-requested": "Orientation",
}

var friendlyChoiceNames = map[string]map[string]string{
	"sides": {
		"one-sided":            "Off (Single-sided)",
		"two-sided-long-edge":  "Long Edge (Standard)",
		"two-sided-short-edge": "Short Edge (Flip)",
	},
	"print-color-mode": {
		"monochrome": "Black & White",
		"color":      "Color",
		"auto":       "Automatic",
	},
	"print-quality": {
		"3": "Draft",
		"4": "Normal",
		"5": "High",
	},
	"orientation-requested": {
		"3": "Portrait",
		"4": "Landscape",
		"5": "Reverse Landscape",
		"6": "Reverse Portrait",
	},
}

// GetPrinterOptions describes the capabilities of a printer as option groups
// with readable labels.
func (c *Client) GetPrinterOptions(ctx context.Context, name string) ([]OptionGroup, error) {
	var requested []string
	for _, entry := range optionSpecs {
		requested = append(requested, entry.keyword+"-supported", entry.keyword+"-default")
	}

	attrs, err := call(ctx, func() (ipp.Attributes, error) {
		return c.ipp.GetPrinterAttributes(name, requested)
	})
	if err != nil {
		err = classify(err)
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPrinterNotFound, name)
		}
		return nil, err
	}
	return buildOptionGroups(attrs), nil
}

func buildOptionGroups(attrs ipp.Attributes) []OptionGroup {
	byGroup := make(map[string]*OptionGroup)
	var order []string

	for _, entry := range optionSpecs {
		supported := attrs[entry.keyword+"-supported"]
		if len(supported) == 0 {
			continue
		}

		opt := Option{
			Keyword: entry.keyword,
			Text:    friendlyOptionNames[entry.keyword],
		}
		if def := attrs[entry.keyword+"-default"]; len(def) > 0 {
			opt.Default = attrValue(def[0])
		}

		seen := make(map[string]bool)
		for _, a := range supported {
			value := attrValue(a)
			if value == "" || seen[value] {
				continue
			}
			seen[value] = true
			opt.Choices = append(opt.Choices, Choice{Value: value, Text: choiceText(entry.keyword, value)})
		}

		group, ok := byGroup[entry.group]
		if !ok {
			group = &OptionGroup{Name: entry.group, Text: groupNames[entry.group]}
			byGroup[entry.group] = group
			order = append(order, entry.group)
		}
		group.Options = append(group.Options, opt)
	}

	groups := make([]OptionGroup, 0, len(order))
	for _, name := range order {
		groups = append(groups, *byGroup[name])
	}
	return groups
}

func attrValue(a ipp.Attribute) string {
	switch v := a.Value.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func choiceText(keyword, value string) string {
	if names, ok := friendlyChoiceNames[keyword]; ok {
		if text, ok := names[value]; ok {
			return text
		}
	}
	return value
}
