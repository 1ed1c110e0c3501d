// Package captcha is a client for the text-protocol captcha solving service
// (cap.guru, 2captcha compatible). It submits image captchas and reCAPTCHA
// challenges, polls for the answer with a bounded number of tries, and guards
// every solve with a balance check that turns an empty account into
// vehicle.ErrOutOfCredit.
package captcha
