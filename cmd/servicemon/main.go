// Command servicemon runs the instrumented product/order service.
package main

func main() {
	Execute()
}
