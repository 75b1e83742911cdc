package artifact

import (
	"encoding/xml"
	"os"
	"strings"
)

// Result XML layout: a root element wrapping nested <suite> elements whose
// <test> children each carry a <status status="PASS|FAIL"> element.
type resultFile struct {
	Suites []resultSuite `xml:"suite"`
}

type resultSuite struct {
	Name   string        `xml:"name,attr"`
	Suites []resultSuite `xml:"suite"`
	Tests  []resultTest  `xml:"test"`
}

type resultTest struct {
	Name   string       `xml:"name,attr"`
	Status resultStatus `xml:"status"`
}

type resultStatus struct {
	Status  string `xml:"status,attr"`
	Message string `xml:",chardata"`
}

// ParseResults reads a suite result XML file and flattens its nested suites
// into per-test outcomes.
func ParseResults(path string) ([]Outcome, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var root resultFile
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, err
	}

	var outcomes []Outcome
	for _, suite := range root.Suites {
		outcomes = collectOutcomes(suite, outcomes)
	}
	return outcomes, nil
}

func collectOutcomes(suite resultSuite, outcomes []Outcome) []Outcome {
	for _, test := range suite.Tests {
		outcomes = append(outcomes, Outcome{
			Name:    test.Name,
			Passed:  strings.EqualFold(test.Status.Status, "PASS"),
			Message: strings.TrimSpace(test.Status.Message),
		})
	}
	for _, nested := range suite.Suites {
		outcomes = collectOutcomes(nested, outcomes)
	}
	return outcomes
}
