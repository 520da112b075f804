// attachtime - attachment duration reports from CloudTrail history
package main

func main() {
	Execute()
}
