// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agenthttp

import (
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// Param is a single query parameter. The value must be a boolean, string,
// integer, or floating point number, or a slice or array of those, which
// expands into one key=value pair per element. A nil value is omitted.
// Anything else is rejected with a *SerializationError.
type Param struct {
	Key   string
	Value any
}

// Params is an ordered list of query parameters. Encoding preserves order.
type Params []Param

// Add appends a parameter and returns the extended list.
func (p Params) Add(key string, value any) Params {
	return append(p, Param{Key: key, Value: value})
}

// Encode returns the query string for the parameters, "&"-joining
// percent-encoded key=value pairs.
func (p Params) Encode() (string, error) {
	var pairs []string
	for _, param := range p {
		if param.Value == nil {
			continue
		}
		value := reflect.ValueOf(param.Value)
		switch value.Kind() { //nolint:exhaustive
		case reflect.Slice, reflect.Array:
			for i := range value.Len() {
				elem := value.Index(i)
				if elem.Kind() == reflect.Interface {
					if elem.IsNil() {
						continue
					}
					elem = elem.Elem()
				}
				encoded, err := encodeScalar(param.Key, elem)
				if err != nil {
					return "", err
				}
				pairs = append(pairs, encoded)
			}
		default:
			encoded, err := encodeScalar(param.Key, value)
			if err != nil {
				return "", err
			}
			pairs = append(pairs, encoded)
		}
	}
	return strings.Join(pairs, "&"), nil
}

func encodeScalar(key string, value reflect.Value) (string, error) {
	var str string
	switch value.Kind() { //nolint:exhaustive
	case reflect.Bool:
		str = strconv.FormatBool(value.Bool())
	case reflect.String:
		str = value.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		str = strconv.FormatInt(value.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		str = strconv.FormatUint(value.Uint(), 10)
	case reflect.Float32:
		str = strconv.FormatFloat(value.Float(), 'f', -1, 32)
	case reflect.Float64:
		str = strconv.FormatFloat(value.Float(), 'f', -1, 64)
	default:
		return "", &SerializationError{Key: key, Kind: value.Type().String()}
	}
	return queryEscape(key) + "=" + queryEscape(str), nil
}

// queryEscape percent-encodes s for use in a query string. Spaces become
// %20 rather than "+".
func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
