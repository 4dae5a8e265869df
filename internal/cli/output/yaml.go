package output

import "gopkg.in/yaml.v3"

// YAMLFormatter renders output as YAML.
type YAMLFormatter struct{}

// Format marshals data to YAML.
func (f *YAMLFormatter) Format(data interface{}) (string, error) {
	encoded, err := yaml.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// FormatTable renders tabular data as a sequence of header-keyed mappings.
func (f *YAMLFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	return f.Format(tableToMaps(headers, rows))
}

// tableToMaps pairs each row's cells with the header names. Short rows get
// empty strings for the missing columns.
func tableToMaps(headers []string, rows [][]string) []map[string]string {
	out := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		entry := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(row) {
				entry[header] = row[i]
			} else {
				entry[header] = ""
			}
		}
		out = append(out, entry)
	}
	return out
}
