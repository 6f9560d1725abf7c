package main

import "github.com/frahmantamala/marketplace-payment/cmd"

func main() {
	cmd.Execute()
}
