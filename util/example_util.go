package util

import (
	"fmt"
)

func ExampleClamp() {
	fmt.Println(Clamp(4200, 0, 4095), Clamp(-3, 0, 4095), Clamp(937, 0, 4095))
	// Output: 4095 0 937
}

func ExampleSecsToDuration() {
	fmt.Println(SecsToDuration(1.5))
	// Output: 1.5s
}

func ExampleUniqueString() {
	fmt.Println(UniqueString([]string{"sclkLowSh", "sclkHighSh", "sclkLow", "sclkLowSh"}))
	// Output: [sclkLowSh sclkHighSh sclkLow]
}
