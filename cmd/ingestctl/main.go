// Command ingestctl is the operator CLI for ingestflow.
package main

func main() {
	Execute()
}
