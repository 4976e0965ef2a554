package sqlprovider

import (
	"regexp"
	"strings"

	"github.com/arwahdevops/bisync/internal/model"
)

var (
	reTypeModifier = regexp.MustCompile(`\s*\([^)]*\)`)
	reSpaces       = regexp.MustCompile(`\s+`)
)

// Urutan penting: alias panjang dicek sebelum alias yang merupakan substring.
var typeAliases = map[string]string{
	"character varying":           "varchar",
	"character":                   "char",
	"double precision":            "double",
	"boolean":                     "bool",
	"timestamp with time zone":    "timestamptz",
	"timestamp without time zone": "timestamp",
	"time with time zone":         "timetz",
	"time without time zone":      "time",
	"integer":                     "int",
	"int2":                        "smallint",
	"int4":                        "int",
	"int8":                        "bigint",
	"serial4":                     "serial",
	"serial8":                     "bigserial",
	"float4":                      "real",
	"float8":                      "double",
}

// normalizeTypeName strips sizes, unsigned/zerofill modifiers and maps common
// aliases, so "INT(11) UNSIGNED" and "integer" both become "int".
func normalizeTypeName(typeName string) string {
	name := strings.ToLower(strings.TrimSpace(typeName))
	name = reTypeModifier.ReplaceAllString(name, "")
	name = strings.ReplaceAll(name, " unsigned", "")
	name = strings.ReplaceAll(name, " zerofill", "")
	name = reSpaces.ReplaceAllString(strings.TrimSpace(name), " ")
	if mapped, ok := typeAliases[name]; ok {
		name = mapped
	}
	return name
}

func isStringType(n string) bool {
	return strings.Contains(n, "char") ||
		strings.Contains(n, "text") ||
		strings.Contains(n, "clob") ||
		n == "enum" || n == "set" || n == "json" || n == "jsonb" || n == "xml"
}

func isBinaryType(n string) bool {
	return strings.Contains(n, "binary") ||
		strings.Contains(n, "blob") ||
		n == "bytea"
}

func isIntegerType(n string) bool {
	switch n {
	case "int", "tinyint", "smallint", "mediumint", "bigint", "serial", "bigserial", "smallserial":
		return true
	}
	return false
}

func isDecimalType(n string) bool {
	return n == "decimal" || n == "numeric" || n == "money"
}

func isFloatType(n string) bool {
	return n == "float" || n == "double" || n == "real"
}

func isTimeType(n string) bool {
	return strings.HasPrefix(n, "timestamp") || strings.HasPrefix(n, "datetime") ||
		n == "date" || n == "time" || n == "timetz"
}

// dataTypeOf maps a column type as reported by the database to a DataType.
// rawType is the full declaration when available (used for tinyint(1)).
func dataTypeOf(dbType, rawType string) model.DataType {
	n := normalizeTypeName(dbType)
	raw := strings.ToLower(strings.TrimSpace(rawType))
	switch {
	case n == "bool", n == "bit" && strings.Contains(raw, "(1)"):
		return model.TypeBool
	case n == "tinyint" && strings.HasPrefix(raw, "tinyint(1)"):
		return model.TypeBool
	case n == "uuid":
		return model.TypeUUID
	case isIntegerType(n):
		return model.TypeInt
	case isDecimalType(n):
		return model.TypeDecimal
	case isFloatType(n):
		return model.TypeFloat
	case isTimeType(n):
		return model.TypeDateTime
	case isBinaryType(n):
		return model.TypeBytes
	case isStringType(n):
		return model.TypeString
	}
	return model.TypeString
}
