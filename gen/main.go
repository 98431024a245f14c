package main

import (
	"fmt"
	"os"

	gen "github.com/whyrusleeping/cbor-gen"

	"github.com/ziggy-project/ziggy/task/pipeline"
)

func main() {
	err := gen.WriteTupleEncodersToFile("./task/pipeline/cbor_gen.go", "pipeline",
		pipeline.ProcessingInfo{},
	)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
