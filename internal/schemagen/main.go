// Command schemagen regenerates the JSON schema for the Configuration
// kind. It is invoked by go:generate from the configs package, so paths
// are relative to that package directory.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/bouncehq/bounce/api/v1beta1/configs"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintln(os.Stderr, "schemagen:", err)
		os.Exit(1)
	}
}

func run() error {
	r := &jsonschema.Reflector{
		FieldNameTag: "json",
	}

	err := r.AddGoComments("github.com/bouncehq/bounce", "../../..")
	if err != nil {
		return fmt.Errorf("add go comments: %w", err)
	}

	schema := r.Reflect(&configs.Config{})

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	err = os.WriteFile("configs.v1beta1.json", append(data, '\n'), 0o644) //nolint:gosec // Schema is not sensitive.
	if err != nil {
		return fmt.Errorf("write schema: %w", err)
	}

	return nil
}
