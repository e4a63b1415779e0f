package dbconn

import (
	"regexp"
	"strings"

	"github.com/burugo/dbconn/internal/utils"
)

var (
	floatTypes = map[string]bool{"double": true, "float": true, "decimal": true, "real": true, "numeric": true}
	intTypes   = map[string]bool{"tinyint": true, "smallint": true, "mediumint": true, "int": true, "integer": true, "bigint": true, "year": true}
)

var typeSuffix = regexp.MustCompile(`[\s(].*$`)

// NormalizeColumnType reduces a native column type to its lower-case base
// name: "INT(11) UNSIGNED" -> "int", "varchar(255)" -> "varchar".
func NormalizeColumnType(native string) string {
	return typeSuffix.ReplaceAllString(strings.ToLower(strings.TrimSpace(native)), "")
}

// normalizeRow coerces raw driver scalars using the table model. It returns
// a new row; the input is not modified.
func normalizeRow(model *TableModel, row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		if v != nil && model != nil {
			if c, ok := model.Columns[k]; ok {
				v = normalizeValue(c.Type, v)
			}
		}
		out[k] = v
	}
	return out
}

func normalizeValue(colType string, v interface{}) interface{} {
	t := NormalizeColumnType(colType)
	switch {
	case floatTypes[t]:
		if f, ok := utils.ToFloat64(v); ok {
			return f
		}
	case intTypes[t]:
		if n, ok := utils.ToInt64(v); ok {
			return n
		}
	case t == "point":
		return parsePoint(v)
	}
	return v
}

// parsePoint decodes "POINT(x y)". Missing, malformed and (0, 0) points
// normalize to nil.
func parsePoint(v interface{}) interface{} {
	switch p := v.(type) {
	case []float64:
		if len(p) != 2 || (p[0] == 0 && p[1] == 0) {
			return nil
		}
		return p
	case string, []byte:
	default:
		return nil
	}
	s := strings.TrimSpace(utils.ToString(v))
	if len(s) < 7 || !strings.EqualFold(s[:6], "point(") || !strings.HasSuffix(s, ")") {
		return nil
	}
	parts := strings.Fields(s[6 : len(s)-1])
	if len(parts) != 2 {
		return nil
	}
	coords := make([]float64, 2)
	for i, part := range parts {
		f, ok := utils.ToFloat64(part)
		if !ok {
			return nil
		}
		coords[i] = f
	}
	if coords[0] == 0 && coords[1] == 0 {
		return nil
	}
	return coords
}
