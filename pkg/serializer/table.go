// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package serializer

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/NVIDIA/takt/pkg/rollout"
)

var titler = cases.Title(language.English)

// renderView prints one rollout with a per-batch breakdown.
func renderView(out io.Writer, v *rollout.View) error {
	fmt.Fprintf(out, "Rollout:  %s\n", v.ID)
	fmt.Fprintf(out, "State:    %s\n", v.State)
	fmt.Fprintf(out, "Policy:   %s\n", titler.String(string(v.Policy)))
	if v.Operation.Name != "" {
		fmt.Fprintf(out, "Operation: %s\n", v.Operation.Name)
	}
	fmt.Fprintf(out, "Created:  %s\n", v.CreatedAt.Format(time.RFC3339))
	if v.FailedBatches > 0 {
		fmt.Fprintf(out, "Failed batches: %d\n", v.FailedBatches)
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tGROUP\tSTATE\tTARGETS\tREADY\tREASON")
	for i := range v.Batches {
		b := &v.Batches[i]
		ready, total := 0, 0
		for _, t := range b.Targets {
			if t.LastHealth == nil {
				continue
			}
			ready += t.LastHealth.Ready
			total += t.LastHealth.Total
		}
		readiness := "-"
		if total > 0 {
			readiness = fmt.Sprintf("%d/%d", ready, total)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			b.Index, b.Group, b.State,
			strings.Join(b.TargetIDs(), ","),
			readiness,
			b.FailureReason)
	}
	return tw.Flush()
}

// renderViewList prints a one-line summary per rollout, newest first as
// delivered by the orchestrator.
func renderViewList(out io.Writer, views []*rollout.View) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tPOLICY\tBATCHES\tFAILED\tCREATED")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			v.ID, v.State, v.Policy, len(v.Batches), v.FailedBatches,
			v.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// renderFlat prints any other value as a sorted FIELD/VALUE table with
// nested structures flattened into dotted keys.
func renderFlat(out io.Writer, v any) error {
	flat := make(map[string]any)
	flatten(flat, reflect.ValueOf(v), "")
	if len(flat) == 0 {
		fmt.Fprintln(out, "<empty>")
		return nil
	}

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tVALUE")
	for _, key := range keys {
		fmt.Fprintf(tw, "%s\t%v\n", key, flat[key])
	}
	return tw.Flush()
}

func flatten(out map[string]any, val reflect.Value, prefix string) {
	if !val.IsValid() {
		return
	}
	for val.Kind() == reflect.Pointer || val.Kind() == reflect.Interface {
		if val.IsNil() {
			if prefix != "" {
				out[prefix] = nil
			}
			return
		}
		val = val.Elem()
	}

	switch val.Kind() {
	case reflect.Struct:
		typ := val.Type()
		for i := 0; i < val.NumField(); i++ {
			field := typ.Field(i)
			if !field.IsExported() {
				continue
			}
			flatten(out, val.Field(i), joinKey(prefix, field.Name))
		}
	case reflect.Map:
		for _, k := range val.MapKeys() {
			flatten(out, val.MapIndex(k), joinKey(prefix, fmt.Sprintf("%v", k.Interface())))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < val.Len(); i++ {
			flatten(out, val.Index(i), joinKey(prefix, fmt.Sprintf("[%d]", i)))
		}
	default:
		if prefix == "" {
			prefix = "value"
		}
		out[prefix] = val.Interface()
	}
}

func joinKey(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}
