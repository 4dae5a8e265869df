package output

import "encoding/json"

// JSONFormatter renders output as JSON.
type JSONFormatter struct {
	Indent bool
}

// Format marshals data to JSON.
func (f *JSONFormatter) Format(data interface{}) (string, error) {
	var encoded []byte
	var err error
	if f.Indent {
		encoded, err = json.MarshalIndent(data, "", "  ")
	} else {
		encoded, err = json.Marshal(data)
	}
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// FormatTable renders tabular data as an array of header-keyed objects, so
// scripted callers get the same fields the table shows.
func (f *JSONFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	return f.Format(tableToMaps(headers, rows))
}
