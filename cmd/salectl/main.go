// Command salectl drives a swapsale server from the terminal.
package main

func main() {
	Execute()
}
