package domain

import "strings"

// FieldType - тип поля, выведенный из его имени. Ключ для всех таблиц правил.
type FieldType string

const (
	FieldPhone   FieldType = "phone"
	FieldEmail   FieldType = "email"
	FieldName    FieldType = "name"
	FieldDate    FieldType = "date"
	FieldAddress FieldType = "address"
	FieldZipCode FieldType = "zipCode"
	FieldSSN     FieldType = "ssn"
	FieldText    FieldType = "text"
)

// KnownFieldTypes перечисляет типы в порядке приоритета вывода.
var KnownFieldTypes = []FieldType{
	FieldPhone, FieldEmail, FieldName, FieldDate, FieldAddress, FieldZipCode, FieldSSN, FieldText,
}

// IsKnown сообщает, поддерживается ли тип таблицами правил.
func (t FieldType) IsKnown() bool {
	for _, k := range KnownFieldTypes {
		if k == t {
			return true
		}
	}
	return false
}

// InferFieldType выводит тип поля по подстрокам имени.
// Порядок проверок важен: "emailPhone" это phone, "username" не name.
func InferFieldType(fieldName string) FieldType {
	name := strings.ToLower(fieldName)

	switch {
	case containsAny(name, "phone", "mobile", "tel"):
		return FieldPhone
	case containsAny(name, "email", "mail"):
		return FieldEmail
	case strings.Contains(name, "name") && !strings.Contains(name, "username"):
		return FieldName
	case containsAny(name, "date", "birth", "dob"):
		return FieldDate
	case containsAny(name, "address", "street", "city"):
		return FieldAddress
	case containsAny(name, "zip", "postal"):
		return FieldZipCode
	case containsAny(name, "ssn", "social"):
		return FieldSSN
	}
	return FieldText
}

// InferFieldTypes строит побочную таблицу типов для набора полей.
func InferFieldTypes(data map[string]string) map[string]FieldType {
	types := make(map[string]FieldType, len(data))
	for field := range data {
		types[field] = InferFieldType(field)
	}
	return types
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
