/*

Executable clustersample is a two-node demonstration of loom: each node
asks the other to compute something via RemoteCallFetch, in a loop
reading lines of stdin as the argument.

Run `clusterinit -nodes 2` first, then two copies of this binary
against sample_config.json, one with argument 1 and one with 2.

*/
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	loom "github.com/loomrpc/loom"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, "Must pass the node this is going to be (1 or 2) as the argument\n")
		os.Exit(1)
	}
	nodeInt, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Couldn't figure out the passed-in node id: %v\n", err)
		os.Exit(1)
	}
	self := loom.NodeID(nodeInt)

	spec, err := loom.CreateFromSpecFile("sample_config.json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Couldn't load cluster spec (did you run clusterinit?): %v\n", err)
		os.Exit(1)
	}

	role := loom.RoleWorker
	if self == 1 {
		role = loom.RoleMaster
	}

	pg, err := loom.Join(spec, self, role, loom.NullLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Couldn't join cluster: %v\n", err)
		os.Exit(1)
	}

	loom.RegisterFunction("clustersample.shout", func(ctx context.Context, args ...interface{}) (interface{}, error) {
		s, _ := args[0].(string)
		return strings.ToUpper(s), nil
	})

	targetNode := loom.NodeID(1)
	if self == 1 {
		targetNode = 2
	}

	fmt.Printf("Node %d ready. Peers: %v\n", self, pg.Workers())

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("Text to shout remotely: ")
		text, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("Bye!")
				os.Exit(0)
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			os.Exit(1)
		}
		text = strings.TrimRight(text, "\n")

		result, err := loom.RemoteCallFetch(context.Background(), pg, targetNode, "clustersample.shout", text)
		if err != nil {
			fmt.Fprintf(os.Stderr, "remote call failed: %v\n", err)
			continue
		}
		fmt.Println("Got back:", result)
	}
}
